// session.go — секреты пользователей и подтверждённые сессии.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

// Допустимая длина секрета в символах.
const (
	MinSecretLength = 4
	MaxSecretLength = 64
)

// MaxSecretBytes — предел bcrypt на длину входа в байтах.
const MaxSecretBytes = 72

// DefaultSessionTTL — длительность подтверждённой сессии.
const DefaultSessionTTL = 30 * time.Minute

var sessionVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_session_verify_total",
	Help: "Попытки подтверждения секрета: verified, invalid, not_set",
}, []string{"result"})

// SessionService — выдача секретов и проверка подтверждённых сессий.
// Текущее время передаётся в каждый вызов явно.
type SessionService struct {
	repo   repository.SessionRepository
	ttl    time.Duration
	cost   int
	logger *slog.Logger
}

// NewSessionService создаёт сервис сессий. cost — стоимость bcrypt
// (0 — bcrypt.DefaultCost).
func NewSessionService(repo repository.SessionRepository, ttl time.Duration, cost int, logger *slog.Logger) *SessionService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &SessionService{
		repo:   repo,
		ttl:    ttl,
		cost:   cost,
		logger: logger.With(slog.String("component", "session_service")),
	}
}

// SetToken заменяет секрет пользователя. Действующая сессия закрывается.
func (s *SessionService) SetToken(ctx context.Context, userID, secret string, now time.Time) error {
	n := utf8.RuneCountInString(secret)
	if n < MinSecretLength || n > MaxSecretLength {
		return fmt.Errorf("%w: длина секрета от %d до %d символов", ErrValidation, MinSecretLength, MaxSecretLength)
	}
	if len(secret) > MaxSecretBytes {
		return fmt.Errorf("%w: секрет длиннее %d байт в UTF-8", ErrValidation, MaxSecretBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return fmt.Errorf("хэширование секрета: %w", err)
	}
	if err := s.repo.SetToken(ctx, userID, hash, now); err != nil {
		return fmt.Errorf("сохранение секрета: %w", err)
	}

	s.logger.Info("Секрет обновлён", slog.String("user_id", userID))
	return nil
}

// Verify сравнивает секрет с сохранённым (bcrypt, постоянное время)
// и при совпадении открывает сессию до now + ttl.
// При несовпадении состояние не меняется.
func (s *SessionService) Verify(ctx context.Context, userID, secret string, now time.Time) (time.Time, error) {
	tok, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			sessionVerifyTotal.WithLabelValues("not_set").Inc()
			return time.Time{}, ErrTokenNotSet
		}
		return time.Time{}, fmt.Errorf("получение секрета: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(tok.SecretHash, []byte(secret)); err != nil {
		sessionVerifyTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("Неверный секрет", slog.String("user_id", userID))
		return time.Time{}, ErrInvalidToken
	}

	until := now.Add(s.ttl)
	// Секрет мог смениться после чтения: сессия открывается только
	// для того хэша, с которым сравнивали.
	if err := s.repo.MarkVerified(ctx, userID, tok.SecretHash, until, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			sessionVerifyTotal.WithLabelValues("invalid").Inc()
			return time.Time{}, ErrInvalidToken
		}
		return time.Time{}, fmt.Errorf("открытие сессии: %w", err)
	}

	sessionVerifyTotal.WithLabelValues("verified").Inc()
	s.logger.Info("Сессия подтверждена",
		slog.String("user_id", userID),
		slog.Time("verified_until", until),
	)
	return until, nil
}

// IsSessionActive — чистое чтение: действует ли сессия на момент now.
func (s *SessionService) IsSessionActive(ctx context.Context, userID string, now time.Time) (bool, error) {
	st, err := s.Status(ctx, userID, now)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// Status возвращает состояние секрета и сессии.
func (s *SessionService) Status(ctx context.Context, userID string, now time.Time) (*model.SessionStatus, error) {
	tok, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.SessionStatus{}, nil
		}
		return nil, fmt.Errorf("получение сессии: %w", err)
	}
	return &model.SessionStatus{
		HasToken:      true,
		Active:        tok.IsActive(now),
		VerifiedUntil: tok.VerifiedUntil,
	}, nil
}

// RequireActive возвращает ErrTokenNotSet или ErrSessionNotVerified,
// если скачивание без подтверждения недопустимо.
func (s *SessionService) RequireActive(ctx context.Context, userID string, now time.Time) error {
	st, err := s.Status(ctx, userID, now)
	if err != nil {
		return err
	}
	switch {
	case !st.HasToken:
		return ErrTokenNotSet
	case !st.Active:
		return ErrSessionNotVerified
	}
	return nil
}
