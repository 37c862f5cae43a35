package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filevault/internal/domain/model"
)

// fileBaseColumns — столбцы таблицы file_records.
const fileBaseColumns = `f.record_id, f.owner_id, f.filename, f.display_name, f.content_type,
	f.tags, f.fingerprint, f.size, f.storage_ref, f.created_at, f.expires_at, f.expiry_warned`

// fileColumns дополняет запись кодом последней действующей ссылки.
const fileColumns = fileBaseColumns + `,
	(SELECT g.code FROM share_grants g
		WHERE g.record_id = f.record_id AND g.consumed_at IS NULL
		   AND (g.expires_at IS NULL OR g.expires_at > now())
		ORDER BY g.created_at DESC LIMIT 1)`

// FileRecordRepository — метаданные файлов (таблица file_records).
type FileRecordRepository interface {
	// Create сохраняет новую запись. ErrConflict — запись с таким ID уже есть.
	Create(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись или ErrNotFound.
	GetByID(ctx context.Context, recordID string) (*model.FileRecord, error)
	// GetForUpdate читает запись с блокировкой строки до конца транзакции.
	// Вне единицы работы ведёт себя как GetByID.
	GetForUpdate(ctx context.Context, recordID string) (*model.FileRecord, error)
	// ListByOwner — файлы владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error)
	// CountByOwner — количество файлов владельца.
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	// SearchByName — поиск по подстроке имени без учёта регистра.
	SearchByName(ctx context.Context, ownerID, query string, limit int) ([]*model.FileRecord, error)
	// ListByTag — файлы владельца с тегом tag.
	ListByTag(ctx context.Context, ownerID, tag string, limit int) ([]*model.FileRecord, error)
	// SetDisplayName меняет только display_name (nil — сбросить).
	SetDisplayName(ctx context.Context, recordID string, name *string) error
	// SetTags меняет только tags.
	SetTags(ctx context.Context, recordID string, tags []string) error
	// SetExpiry меняет expires_at и сбрасывает expiry_warned.
	SetExpiry(ctx context.Context, recordID string, expiresAt *time.Time) error
	// DeleteIfPresent удаляет запись и возвращает её. ErrNotFound — уже удалена.
	DeleteIfPresent(ctx context.Context, recordID string) (*model.FileRecord, error)
	// QueryExpired — записи с expires_at <= now, самые старые первыми.
	QueryExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error)
	// QueryExpiring — записи, истекающие в (now, until], без отправленного предупреждения.
	QueryExpiring(ctx context.Context, now, until time.Time, limit int) ([]*model.FileRecord, error)
	// MarkExpiryWarned отмечает отправку предупреждения об истечении.
	MarkExpiryWarned(ctx context.Context, recordID string) error
	// Stats — сводная статистика хранилища.
	Stats(ctx context.Context) (*model.StorageStats, error)
}

// fileRecordRepo — реализация FileRecordRepository через pgx.
type fileRecordRepo struct {
	db DBTX
}

// NewFileRecordRepository создаёт репозиторий записей файлов.
func NewFileRecordRepository(db DBTX) FileRecordRepository {
	return &fileRecordRepo{db: db}
}

// scanFile сканирует строку со столбцами fileColumns.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.Filename, &f.DisplayName, &f.ContentType,
		&f.Tags, &f.Fingerprint, &f.Size, &f.StorageRef, &f.CreatedAt, &f.ExpiresAt, &f.ExpiryWarned,
		&f.ShareCode,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *fileRecordRepo) queryFiles(ctx context.Context, op, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка %s: %w", op, err)
	}
	defer rows.Close()

	result := make([]*model.FileRecord, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRecordRepo) Create(ctx context.Context, f *model.FileRecord) error {
	if f.Tags == nil {
		f.Tags = []string{}
	}
	query := `
		INSERT INTO file_records (record_id, owner_id, filename, display_name, content_type,
			tags, fingerprint, size, storage_ref, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		f.ID, f.OwnerID, f.Filename, f.DisplayName, f.ContentType,
		f.Tags, f.Fingerprint, f.Size, f.StorageRef, f.CreatedAt, f.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись файла %s уже существует", ErrConflict, f.ID)
		}
		return fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return nil
}

func (r *fileRecordRepo) GetByID(ctx context.Context, recordID string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records f WHERE f.record_id = $1`

	f, err := scanFile(r.db.QueryRow(ctx, query, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи файла: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) GetForUpdate(ctx context.Context, recordID string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records f WHERE f.record_id = $1 FOR UPDATE OF f`

	f, err := scanFile(r.db.QueryRow(ctx, query, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка блокировки записи файла: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + `
		FROM file_records f
		WHERE f.owner_id = $1
		ORDER BY f.created_at DESC, f.record_id
		LIMIT $2 OFFSET $3`
	return r.queryFiles(ctx, "получения списка файлов", query, ownerID, limit, offset)
}

func (r *fileRecordRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM file_records WHERE owner_id = $1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return count, nil
}

// escapeLike экранирует спецсимволы шаблона LIKE.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *fileRecordRepo) SearchByName(ctx context.Context, ownerID, query string, limit int) ([]*model.FileRecord, error) {
	sql := `SELECT ` + fileColumns + `
		FROM file_records f
		WHERE f.owner_id = $1
			AND COALESCE(f.display_name, f.filename) ILIKE '%' || $2 || '%'
		ORDER BY f.created_at DESC
		LIMIT $3`
	return r.queryFiles(ctx, "поиска файлов", sql, ownerID, escapeLike(query), limit)
}

func (r *fileRecordRepo) ListByTag(ctx context.Context, ownerID, tag string, limit int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + `
		FROM file_records f
		WHERE f.owner_id = $1 AND f.tags @> ARRAY[$2::text]
		ORDER BY f.created_at DESC
		LIMIT $3`
	return r.queryFiles(ctx, "поиска по тегу", query, ownerID, tag, limit)
}

// Каждый метод пишет только свои столбцы: параллельные переименование
// и смена срока не затирают друг друга.

func (r *fileRecordRepo) SetDisplayName(ctx context.Context, recordID string, name *string) error {
	return r.exec(ctx, "переименования",
		`UPDATE file_records SET display_name = $2 WHERE record_id = $1`, recordID, name)
}

func (r *fileRecordRepo) SetTags(ctx context.Context, recordID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return r.exec(ctx, "обновления тегов",
		`UPDATE file_records SET tags = $2 WHERE record_id = $1`, recordID, tags)
}

func (r *fileRecordRepo) SetExpiry(ctx context.Context, recordID string, expiresAt *time.Time) error {
	return r.exec(ctx, "изменения срока хранения",
		`UPDATE file_records SET expires_at = $2, expiry_warned = false WHERE record_id = $1`,
		recordID, expiresAt)
}

// exec выполняет UPDATE одной записи; ни одной затронутой строки — ErrNotFound.
func (r *fileRecordRepo) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ошибка %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRecordRepo) DeleteIfPresent(ctx context.Context, recordID string) (*model.FileRecord, error) {
	query := `DELETE FROM file_records f WHERE f.record_id = $1
		RETURNING ` + fileBaseColumns + `, NULL::text`

	f, err := scanFile(r.db.QueryRow(ctx, query, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) QueryExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + `
		FROM file_records f
		WHERE f.expires_at IS NOT NULL AND f.expires_at <= $1
		ORDER BY f.expires_at
		LIMIT $2`
	return r.queryFiles(ctx, "выборки истёкших файлов", query, now, limit)
}

func (r *fileRecordRepo) QueryExpiring(ctx context.Context, now, until time.Time, limit int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + `
		FROM file_records f
		WHERE f.expires_at > $1 AND f.expires_at <= $2 AND NOT f.expiry_warned
		ORDER BY f.expires_at
		LIMIT $3`
	return r.queryFiles(ctx, "выборки истекающих файлов", query, now, until, limit)
}

func (r *fileRecordRepo) MarkExpiryWarned(ctx context.Context, recordID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_records SET expiry_warned = true WHERE record_id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("ошибка отметки предупреждения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRecordRepo) Stats(ctx context.Context) (*model.StorageStats, error) {
	s := &model.StorageStats{}
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COUNT(DISTINCT owner_id)
		FROM file_records`).Scan(&s.TotalFiles, &s.TotalBytes, &s.TotalOwners)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return s, nil
}
