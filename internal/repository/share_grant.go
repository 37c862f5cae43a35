package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filevault/internal/domain/model"
)

const grantColumns = `code, record_id, created_by, single_use, use_count, created_at, expires_at, consumed_at`

// ShareGrantRepository — коды доступа к файлам (таблица share_grants).
type ShareGrantRepository interface {
	// Create сохраняет код. ErrConflict — код занят, ErrNotFound — нет записи файла.
	Create(ctx context.Context, g *model.ShareGrant) error
	// Get возвращает код без списания или ErrNotFound.
	// Использованный одноразовый код возвращается с заполненным ConsumedAt.
	Get(ctx context.Context, code string) (*model.ShareGrant, error)
	// FindReusable — многоразовый бессрочный код записи или ErrNotFound.
	FindReusable(ctx context.Context, recordID string) (*model.ShareGrant, error)
	// Consume атомарно использует код: одноразовый помечается использованным,
	// у многоразового растёт счётчик. ErrNotFound — код истёк или уже использован.
	Consume(ctx context.Context, code string, now time.Time) (*model.ShareGrant, error)
	// DeleteByRecord удаляет все коды записи.
	DeleteByRecord(ctx context.Context, recordID string) (int64, error)
	// DeleteExpired удаляет коды с истёкшим сроком и одноразовые коды,
	// использованные раньше consumedBefore.
	DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error)
}

type shareGrantRepo struct {
	db DBTX
}

// NewShareGrantRepository создаёт репозиторий кодов доступа.
func NewShareGrantRepository(db DBTX) ShareGrantRepository {
	return &shareGrantRepo{db: db}
}

func scanGrant(row pgx.Row) (*model.ShareGrant, error) {
	g := &model.ShareGrant{}
	if err := row.Scan(&g.Code, &g.RecordID, &g.CreatedBy, &g.SingleUse,
		&g.UseCount, &g.CreatedAt, &g.ExpiresAt, &g.ConsumedAt); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *shareGrantRepo) Create(ctx context.Context, g *model.ShareGrant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO share_grants (code, record_id, created_by, single_use, use_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		g.Code, g.RecordID, g.CreatedBy, g.SingleUse, g.CreatedAt, g.ExpiresAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("%w: код %s уже выдан", ErrConflict, g.Code)
		case isForeignKeyViolation(err):
			return fmt.Errorf("%w: запись %s", ErrNotFound, g.RecordID)
		}
		return fmt.Errorf("ошибка создания кода доступа: %w", err)
	}
	return nil
}

func (r *shareGrantRepo) Get(ctx context.Context, code string) (*model.ShareGrant, error) {
	g, err := scanGrant(r.db.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM share_grants WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения кода доступа: %w", err)
	}
	return g, nil
}

func (r *shareGrantRepo) FindReusable(ctx context.Context, recordID string) (*model.ShareGrant, error) {
	g, err := scanGrant(r.db.QueryRow(ctx, `
		SELECT `+grantColumns+` FROM share_grants
		WHERE record_id = $1 AND NOT single_use AND expires_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска кода доступа: %w", err)
	}
	return g, nil
}

// Consume: одноразовый код гасится условным UPDATE по consumed_at IS NULL,
// из двух конкурентных вызовов строку получит только один. Признак single_use
// не меняется после создания, поэтому второй оператор не пересекается с первым.
func (r *shareGrantRepo) Consume(ctx context.Context, code string, now time.Time) (*model.ShareGrant, error) {
	g, err := scanGrant(r.db.QueryRow(ctx, `
		UPDATE share_grants SET consumed_at = $2, use_count = use_count + 1
		WHERE code = $1 AND single_use AND consumed_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+grantColumns, code, now))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка использования кода доступа: %w", err)
	}

	g, err = scanGrant(r.db.QueryRow(ctx, `
		UPDATE share_grants SET use_count = use_count + 1
		WHERE code = $1 AND NOT single_use AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+grantColumns, code, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка использования кода доступа: %w", err)
	}
	return g, nil
}

func (r *shareGrantRepo) DeleteByRecord(ctx context.Context, recordID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM share_grants WHERE record_id = $1`, recordID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления кодов доступа: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *shareGrantRepo) DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM share_grants
		WHERE (expires_at IS NOT NULL AND expires_at <= $1)
		   OR (consumed_at IS NOT NULL AND consumed_at <= $2)`, now, consumedBefore)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших кодов: %w", err)
	}
	return tag.RowsAffected(), nil
}
