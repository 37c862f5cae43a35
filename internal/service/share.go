// share.go — коды доступа к файлам: выдача, проверка, использование.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

// Параметры кода доступа.
const (
	ShareCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ShareCodeLength   = 10

	maxCodeAttempts = 10
)

var shareClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_share_claims_total",
	Help: "Попытки использования кодов доступа: claimed, not_found, expired",
}, []string{"result"})

// GrantOptions — параметры нового кода.
type GrantOptions struct {
	SingleUse bool
	// TTL — срок действия кода; nil — до удаления файла
	TTL *time.Duration
}

// ShareService — коды доступа к файлам.
type ShareService struct {
	store    *repository.Store
	clock    clock.Clock
	generate func() string
	logger   *slog.Logger
}

// NewShareService создаёт сервис кодов доступа.
func NewShareService(store *repository.Store, clk clock.Clock, logger *slog.Logger) (*ShareService, error) {
	gen, err := nanoid.CustomASCII(ShareCodeAlphabet, ShareCodeLength)
	if err != nil {
		return nil, fmt.Errorf("генератор кодов: %w", err)
	}
	return &ShareService{
		store:    store,
		clock:    clk,
		generate: gen,
		logger:   logger.With(slog.String("component", "share_service")),
	}, nil
}

// NormalizeCode приводит код к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateGrant выдаёт код доступа к записи. Выдавать может владелец
// или администратор. Многоразовый бессрочный код переиспользуется,
// если такой уже есть.
func (s *ShareService) CreateGrant(ctx context.Context, actor model.Actor, recordID string, opts GrantOptions) (*model.ShareGrant, error) {
	if opts.TTL != nil && *opts.TTL <= 0 {
		return nil, fmt.Errorf("%w: срок действия кода должен быть положительным", ErrValidation)
	}
	recordID, err := canonicalID(recordID)
	if err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(rec) {
		return nil, ErrRecordNotFound
	}

	if !opts.SingleUse && opts.TTL == nil {
		g, err := s.store.Shares.FindReusable(ctx, rec.ID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("поиск кода: %w", err)
		}
	}

	now := s.clock.Now()
	g := &model.ShareGrant{
		RecordID:  rec.ID,
		CreatedBy: actor.UserID,
		SingleUse: opts.SingleUse,
		CreatedAt: now,
	}
	if opts.TTL != nil {
		exp := now.Add(*opts.TTL)
		g.ExpiresAt = &exp
	}

	for attempt := 1; ; attempt++ {
		g.Code = s.generate()
		err = s.store.Shares.Create(ctx, g)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		if !errors.Is(err, repository.ErrConflict) || attempt == maxCodeAttempts {
			return nil, fmt.Errorf("создание кода: %w", err)
		}
	}

	s.logger.Info("Код доступа создан",
		slog.String("record_id", rec.ID),
		slog.String("actor", actor.UserID),
		slog.Bool("single_use", g.SingleUse),
	)
	return g, nil
}

// Peek проверяет код без использования.
func (s *ShareService) Peek(ctx context.Context, code string, now time.Time) (*model.ShareGrant, *model.FileRecord, error) {
	g, err := s.store.Shares.Get(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrRecordNotFound
		}
		return nil, nil, fmt.Errorf("получение кода: %w", err)
	}
	if g.IsExpired(now) || g.IsConsumed() {
		return nil, nil, ErrGrantExpiredOrConsumed
	}
	rec, err := s.record(ctx, g.RecordID)
	if err != nil {
		return nil, nil, err
	}
	return g, rec, nil
}

// Claim использует код и возвращает запись файла.
// Одноразовый код гасится и до очистки отвечает ErrGrantExpiredOrConsumed;
// из двух одновременных попыток успешна одна.
func (s *ShareService) Claim(ctx context.Context, code, claimantID string, now time.Time) (*model.FileRecord, error) {
	code = NormalizeCode(code)
	g, err := s.store.Shares.Get(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			shareClaimsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("получение кода: %w", err)
	}
	if g.IsExpired(now) || g.IsConsumed() {
		shareClaimsTotal.WithLabelValues("expired").Inc()
		return nil, ErrGrantExpiredOrConsumed
	}

	if _, err := s.store.Shares.Consume(ctx, code, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			shareClaimsTotal.WithLabelValues("expired").Inc()
			return nil, ErrGrantExpiredOrConsumed
		}
		return nil, fmt.Errorf("использование кода: %w", err)
	}

	rec, err := s.record(ctx, g.RecordID)
	if err != nil {
		return nil, err
	}

	shareClaimsTotal.WithLabelValues("claimed").Inc()
	s.logger.Info("Код доступа использован",
		slog.String("record_id", rec.ID),
		slog.String("claimant", claimantID),
		slog.Bool("single_use", g.SingleUse),
	)
	return rec, nil
}

// RevokeForRecord удаляет все коды записи.
func (s *ShareService) RevokeForRecord(ctx context.Context, actor model.Actor, recordID string) (int64, error) {
	recordID, err := canonicalID(recordID)
	if err != nil {
		return 0, err
	}
	rec, err := s.record(ctx, recordID)
	if err != nil {
		return 0, err
	}
	if !actor.CanAccess(rec) {
		return 0, ErrRecordNotFound
	}
	n, err := s.store.Shares.DeleteByRecord(ctx, rec.ID)
	if err != nil {
		return 0, fmt.Errorf("удаление кодов: %w", err)
	}
	s.logger.Info("Коды доступа отозваны",
		slog.String("record_id", rec.ID),
		slog.Int64("count", n),
	)
	return n, nil
}

func (s *ShareService) record(ctx context.Context, recordID string) (*model.FileRecord, error) {
	rec, err := s.store.Files.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("получение файла: %w", err)
	}
	return rec, nil
}
