package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filevault/internal/domain/model"
)

// DedupRepository — индекс (владелец, отпечаток) → запись файла.
type DedupRepository interface {
	// FindDuplicate возвращает запись с тем же содержимым у владельца или ErrNotFound.
	FindDuplicate(ctx context.Context, ownerID, fingerprint string) (*model.FileRecord, error)
	// Register добавляет элемент. ErrConflict — отпечаток уже занят,
	// ErrNotFound — записи recordID нет.
	Register(ctx context.Context, ownerID, fingerprint, recordID string) error
	// Unregister удаляет элемент; отсутствие элемента ошибкой не является.
	Unregister(ctx context.Context, ownerID, fingerprint string) error
}

type dedupRepo struct {
	db DBTX
}

// NewDedupRepository создаёт репозиторий индекса дедупликации.
func NewDedupRepository(db DBTX) DedupRepository {
	return &dedupRepo{db: db}
}

func (r *dedupRepo) FindDuplicate(ctx context.Context, ownerID, fingerprint string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + `
		FROM dedup_index d
		JOIN file_records f ON f.record_id = d.record_id
		WHERE d.owner_id = $1 AND d.fingerprint = $2`

	f, err := scanFile(r.db.QueryRow(ctx, query, ownerID, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска дубликата: %w", err)
	}
	return f, nil
}

func (r *dedupRepo) Register(ctx context.Context, ownerID, fingerprint, recordID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO dedup_index (owner_id, fingerprint, record_id) VALUES ($1, $2, $3)`,
		ownerID, fingerprint, recordID)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("%w: содержимое уже загружено владельцем", ErrConflict)
		case isForeignKeyViolation(err):
			return fmt.Errorf("%w: запись %s", ErrNotFound, recordID)
		}
		return fmt.Errorf("ошибка регистрации в индексе дедупликации: %w", err)
	}
	return nil
}

func (r *dedupRepo) Unregister(ctx context.Context, ownerID, fingerprint string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM dedup_index WHERE owner_id = $1 AND fingerprint = $2`,
		ownerID, fingerprint)
	if err != nil {
		return fmt.Errorf("ошибка удаления из индекса дедупликации: %w", err)
	}
	return nil
}
