package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filevault/internal/domain/model"
)

// SessionRepository — секреты пользователей и окна подтверждённых сессий.
type SessionRepository interface {
	// SetToken заменяет секрет и сбрасывает действующую сессию.
	SetToken(ctx context.Context, userID string, secretHash []byte, now time.Time) error
	// Get возвращает секрет и окно сессии или ErrNotFound.
	Get(ctx context.Context, userID string) (*model.SessionToken, error)
	// MarkVerified открывает сессию до until, только если хэш секрета
	// не изменился с момента проверки. Иначе ErrNotFound.
	MarkVerified(ctx context.Context, userID string, secretHash []byte, until, now time.Time) error
}

type sessionRepo struct {
	db DBTX
}

// NewSessionRepository создаёт репозиторий сессий.
func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) SetToken(ctx context.Context, userID string, secretHash []byte, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO session_tokens (user_id, secret_hash, verified_until, updated_at)
		VALUES ($1, $2, NULL, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			verified_until = NULL,
			updated_at = EXCLUDED.updated_at`,
		userID, secretHash, now)
	if err != nil {
		return fmt.Errorf("ошибка сохранения секрета: %w", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, userID string) (*model.SessionToken, error) {
	s := &model.SessionToken{UserID: userID}
	err := r.db.QueryRow(ctx, `
		SELECT secret_hash, verified_until, updated_at
		FROM session_tokens WHERE user_id = $1`,
		userID).Scan(&s.SecretHash, &s.VerifiedUntil, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) MarkVerified(ctx context.Context, userID string, secretHash []byte, until, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE session_tokens
		SET verified_until = $3, updated_at = $4
		WHERE user_id = $1 AND secret_hash = $2`,
		userID, secretHash, until, now)
	if err != nil {
		return fmt.Errorf("ошибка открытия сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
