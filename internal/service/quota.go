// quota.go — учёт суточного трафика и количества скачиваний.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

// quotaDecisionsTotal — решения CheckAndConsume по результату.
var quotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_quota_decisions_total",
	Help: "Решения по квотам: allowed, bandwidth_exceeded, download_count_exceeded",
}, []string{"result"})

// QuotaService — квоты пользователей.
// Администраторы квотам не подлежат: это проверяет вызывающий.
type QuotaService struct {
	repo     repository.QuotaRepository
	clock    clock.Clock
	defaults model.QuotaLimits
	logger   *slog.Logger
}

// NewQuotaService создаёт сервис квот. defaults — лимиты для пользователей
// без персональных настроек.
func NewQuotaService(
	repo repository.QuotaRepository,
	clk clock.Clock,
	defaults model.QuotaLimits,
	logger *slog.Logger,
) *QuotaService {
	return &QuotaService{
		repo:     repo,
		clock:    clk,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "quota_service")),
	}
}

// Limits возвращает действующие лимиты пользователя.
func (s *QuotaService) Limits(ctx context.Context, userID string) (model.QuotaLimits, error) {
	l, err := s.repo.GetLimits(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.defaults, nil
		}
		return model.QuotaLimits{}, fmt.Errorf("получение лимитов: %w", err)
	}
	return *l, nil
}

// CheckAndConsume списывает bytes и одно скачивание из квоты текущих суток.
// Проверка и списание выполняются хранилищем атомарно; при недоступности
// хранилища возвращается ошибка, решение не принимается.
func (s *QuotaService) CheckAndConsume(ctx context.Context, userID string, bytes int64) (*model.QuotaDecision, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("%w: отрицательный размер", ErrValidation)
	}
	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}

	day := clock.DateKey(s.clock.Now())
	d, err := s.repo.CheckAndConsume(ctx, userID, day, bytes, limits)
	if err != nil {
		return nil, fmt.Errorf("списание квоты: %w", err)
	}

	if d.Allowed {
		quotaDecisionsTotal.WithLabelValues("allowed").Inc()
		return d, nil
	}

	quotaDecisionsTotal.WithLabelValues(d.Reason).Inc()
	s.logger.Info("Квота исчерпана",
		slog.String("user_id", userID),
		slog.String("day", day),
		slog.String("reason", d.Reason),
		slog.Int64("requested", bytes),
	)
	return d, nil
}

// SetLimits задаёт персональные лимиты. 0 — без ограничения.
func (s *QuotaService) SetLimits(ctx context.Context, userID string, bandwidth, downloads int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id обязателен", ErrValidation)
	}
	if bandwidth < 0 || downloads < 0 {
		return fmt.Errorf("%w: лимиты не могут быть отрицательными", ErrValidation)
	}
	if err := s.repo.SetLimits(ctx, userID, model.QuotaLimits{BandwidthLimit: bandwidth, DownloadLimit: downloads}); err != nil {
		return fmt.Errorf("сохранение лимитов: %w", err)
	}

	s.logger.Info("Лимиты обновлены",
		slog.String("user_id", userID),
		slog.Int64("bandwidth_limit", bandwidth),
		slog.Int64("download_limit", downloads),
	)
	return nil
}

// ReadUsage возвращает использование квоты за текущие сутки.
func (s *QuotaService) ReadUsage(ctx context.Context, userID string) (*model.QuotaUsage, error) {
	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	c, err := s.repo.GetCounter(ctx, userID, clock.DateKey(now))
	if err != nil {
		return nil, fmt.Errorf("получение счётчиков: %w", err)
	}
	return usage(c, limits, now), nil
}

// ListUsage возвращает использование за текущие сутки по убыванию трафика.
func (s *QuotaService) ListUsage(ctx context.Context, limit int) ([]*model.QuotaUsage, error) {
	now := s.clock.Now()
	counters, err := s.repo.ListCounters(ctx, clock.DateKey(now), limit)
	if err != nil {
		return nil, fmt.Errorf("получение счётчиков: %w", err)
	}

	result := make([]*model.QuotaUsage, 0, len(counters))
	for _, c := range counters {
		limits, err := s.Limits(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		result = append(result, usage(c, limits, now))
	}
	return result, nil
}

// ResetUsage обнуляет счётчики пользователя за текущие сутки.
func (s *QuotaService) ResetUsage(ctx context.Context, userID string) error {
	day := clock.DateKey(s.clock.Now())
	if err := s.repo.ResetCounter(ctx, userID, day); err != nil {
		return fmt.Errorf("сброс счётчиков: %w", err)
	}
	s.logger.Info("Счётчики квоты сброшены",
		slog.String("user_id", userID),
		slog.String("day", day),
	)
	return nil
}

func usage(c *model.QuotaCounter, limits model.QuotaLimits, now time.Time) *model.QuotaUsage {
	return &model.QuotaUsage{
		UserID:         c.UserID,
		Day:            c.Day,
		BytesUsed:      c.BytesUsed,
		DownloadCount:  c.DownloadCount,
		BandwidthLimit: limits.BandwidthLimit,
		DownloadLimit:  limits.DownloadLimit,
		ResetsAt:       clock.NextReset(now),
	}
}
