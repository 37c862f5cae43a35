package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filevault/internal/domain/model"
)

// QuotaRepository — суточные счётчики (quota_counters) и лимиты (quota_limits).
type QuotaRepository interface {
	// GetLimits возвращает персональные лимиты или ErrNotFound.
	GetLimits(ctx context.Context, userID string) (*model.QuotaLimits, error)
	// SetLimits сохраняет персональные лимиты.
	SetLimits(ctx context.Context, userID string, limits model.QuotaLimits) error
	// CheckAndConsume атомарно списывает bytes и одно скачивание за day,
	// если результат не превысит limits. При отказе счётчики не меняются.
	CheckAndConsume(ctx context.Context, userID, day string, bytes int64, limits model.QuotaLimits) (*model.QuotaDecision, error)
	// GetCounter возвращает счётчики за day; отсутствие строки — нулевые счётчики.
	GetCounter(ctx context.Context, userID, day string) (*model.QuotaCounter, error)
	// ListCounters — счётчики за day по убыванию трафика.
	ListCounters(ctx context.Context, day string, limit int) ([]*model.QuotaCounter, error)
	// ResetCounter обнуляет счётчики пользователя за day.
	ResetCounter(ctx context.Context, userID, day string) error
}

type quotaRepo struct {
	db DBTX
}

// NewQuotaRepository создаёт репозиторий квот.
func NewQuotaRepository(db DBTX) QuotaRepository {
	return &quotaRepo{db: db}
}

func (r *quotaRepo) GetLimits(ctx context.Context, userID string) (*model.QuotaLimits, error) {
	l := &model.QuotaLimits{}
	err := r.db.QueryRow(ctx,
		`SELECT bandwidth_limit, download_limit FROM quota_limits WHERE user_id = $1`,
		userID).Scan(&l.BandwidthLimit, &l.DownloadLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения лимитов: %w", err)
	}
	return l, nil
}

func (r *quotaRepo) SetLimits(ctx context.Context, userID string, limits model.QuotaLimits) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO quota_limits (user_id, bandwidth_limit, download_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			bandwidth_limit = EXCLUDED.bandwidth_limit,
			download_limit = EXCLUDED.download_limit,
			updated_at = now()`,
		userID, limits.BandwidthLimit, limits.DownloadLimit)
	if err != nil {
		return fmt.Errorf("ошибка сохранения лимитов: %w", err)
	}
	return nil
}

// consumeQuery — проверка и списание одним оператором.
// Первое скачивание дня вставляет строку, если оно само укладывается в лимиты.
// Конкурентные вызовы для одного (user_id, day) сериализуются блокировкой
// строки в ON CONFLICT DO UPDATE, условие WHERE перепроверяется
// на актуальной версии строки. Пустой результат — отказ без изменений.
const consumeQuery = `
	INSERT INTO quota_counters (user_id, day, bytes_used, download_count)
	SELECT $1, $2::date, $3::bigint, 1
	WHERE ($4::bigint = 0 OR $3::bigint <= $4::bigint)
		AND ($5::bigint = 0 OR 1 <= $5::bigint)
	ON CONFLICT (user_id, day) DO UPDATE SET
		bytes_used = quota_counters.bytes_used + EXCLUDED.bytes_used,
		download_count = quota_counters.download_count + 1,
		updated_at = now()
	WHERE ($4::bigint = 0 OR quota_counters.bytes_used + EXCLUDED.bytes_used <= $4::bigint)
		AND ($5::bigint = 0 OR quota_counters.download_count + 1 <= $5::bigint)
	RETURNING bytes_used, download_count`

func (r *quotaRepo) CheckAndConsume(ctx context.Context, userID, day string, bytes int64, limits model.QuotaLimits) (*model.QuotaDecision, error) {
	c := &model.QuotaCounter{UserID: userID, Day: day}
	err := r.db.QueryRow(ctx, consumeQuery,
		userID, day, bytes, limits.BandwidthLimit, limits.DownloadLimit,
	).Scan(&c.BytesUsed, &c.DownloadCount)
	if err == nil {
		return &model.QuotaDecision{Allowed: true, Counter: c}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка списания квоты: %w", err)
	}

	// Отказ уже зафиксирован, причина определяется по текущим счётчикам.
	current, err := r.GetCounter(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	return &model.QuotaDecision{Allowed: false, Reason: DenyReason(current, bytes, limits)}, nil
}

// DenyReason выбирает причину отказа: сначала трафик, затем количество.
func DenyReason(c *model.QuotaCounter, bytes int64, limits model.QuotaLimits) string {
	if limits.BandwidthLimit > 0 && c.BytesUsed+bytes > limits.BandwidthLimit {
		return model.QuotaReasonBandwidth
	}
	if limits.DownloadLimit > 0 && c.DownloadCount+1 > limits.DownloadLimit {
		return model.QuotaReasonCount
	}
	// Счётчики успели сброситься после отказа (смена суток или сброс
	// администратором). Если настроен только лимит количества, отказать
	// мог лишь он; при обоих лимитах точная причина уже не восстановима.
	if limits.BandwidthLimit <= 0 && limits.DownloadLimit > 0 {
		return model.QuotaReasonCount
	}
	return model.QuotaReasonBandwidth
}

func (r *quotaRepo) GetCounter(ctx context.Context, userID, day string) (*model.QuotaCounter, error) {
	c := &model.QuotaCounter{UserID: userID, Day: day}
	err := r.db.QueryRow(ctx, `
		SELECT bytes_used, download_count FROM quota_counters
		WHERE user_id = $1 AND day = $2::date`,
		userID, day).Scan(&c.BytesUsed, &c.DownloadCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка получения счётчиков: %w", err)
	}
	return c, nil
}

func (r *quotaRepo) ListCounters(ctx context.Context, day string, limit int) ([]*model.QuotaCounter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, day::text, bytes_used, download_count
		FROM quota_counters
		WHERE day = $1::date
		ORDER BY bytes_used DESC, user_id
		LIMIT $2`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения счётчиков: %w", err)
	}
	defer rows.Close()

	result := make([]*model.QuotaCounter, 0)
	for rows.Next() {
		c := &model.QuotaCounter{}
		if err := rows.Scan(&c.UserID, &c.Day, &c.BytesUsed, &c.DownloadCount); err != nil {
			return nil, fmt.Errorf("ошибка сканирования счётчиков: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *quotaRepo) ResetCounter(ctx context.Context, userID, day string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM quota_counters WHERE user_id = $1 AND day = $2::date`, userID, day)
	if err != nil {
		return fmt.Errorf("ошибка сброса счётчиков: %w", err)
	}
	return nil
}
