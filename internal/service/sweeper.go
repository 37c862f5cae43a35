// sweeper.go — фоновая очистка файлов с истёкшим сроком хранения.
//
// Каждый цикл:
//  1. Удаляет истёкшие записи пачками (коды доступа, индекс, запись, содержимое)
//  2. Удаляет истёкшие и давно использованные коды доступа
//  3. Публикует предупреждения о скором истечении (один раз на запись)
//
// Запускается как горутина с периодическим тикером (FV_SWEEP_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fv_sweep_runs_total",
		Help: "Общее количество запусков очистки",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fv_sweep_files_deleted_total",
		Help: "Общее количество файлов, удалённых по истечении срока",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fv_sweep_errors_total",
		Help: "Ошибки очистки (метаданные и содержимое)",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fv_sweep_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ConsumedGrantRetention — сколько хранится использованный одноразовый код.
const ConsumedGrantRetention = 24 * time.Hour

// SweepConfig — параметры очистки.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	// WarningWindow — за сколько до истечения предупреждать (0 — не предупреждать)
	WarningWindow time.Duration
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// DeletedCount — удалённые записи
	DeletedCount int
	// GrantsDeleted — удалённые истёкшие коды доступа
	GrantsDeleted int64
	// WarnedCount — отправленные предупреждения
	WarnedCount int
	// Errors — ошибки при обработке записей
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweeperService — фоновая очистка.
type SweeperService struct {
	store   *repository.Store
	events  events.Publisher
	retirer *retirer
	clock   clock.Clock
	cfg     SweepConfig
	logger  *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeperService создаёт сервис очистки.
func NewSweeperService(
	store *repository.Store,
	blobs blob.Store,
	publisher events.Publisher,
	clk clock.Clock,
	cfg SweepConfig,
	logger *slog.Logger,
) *SweeperService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger = logger.With(slog.String("component", "sweeper"))
	return &SweeperService{
		store:   store,
		events:  publisher,
		retirer: newRetirer(store, blobs, publisher, clk, logger),
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start запускает фоновую горутину очистки.
// Вызывается один раз при старте приложения.
func (s *SweeperService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.cfg.Interval.String()),
		slog.Int("batch_size", s.cfg.BatchSize),
	)
}

// Stop останавливает очистку и ждёт завершения текущего цикла.
func (s *SweeperService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка остановлена")
}

func (s *SweeperService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: параллельные вызовы выполняются последовательно.
func (s *SweeperService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	now := s.clock.Now()

	s.deleteExpired(ctx, now, result)

	n, err := s.store.Shares.DeleteExpired(ctx, now, now.Add(-ConsumedGrantRetention))
	if err != nil {
		s.logger.Error("Ошибка удаления истёкших кодов", slog.String("error", err.Error()))
		result.Errors++
	}
	result.GrantsDeleted = n

	if s.cfg.WarningWindow > 0 {
		s.warnExpiring(ctx, now, result)
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(result.DeletedCount))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка завершена",
		slog.Int("deleted", result.DeletedCount),
		slog.Int64("grants_deleted", result.GrantsDeleted),
		slog.Int("warned", result.WarnedCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// deleteExpired удаляет истёкшие записи пачками. Цикл останавливается,
// когда пачка неполная или из неё ничего не удалось удалить.
func (s *SweeperService) deleteExpired(ctx context.Context, now time.Time, result *SweepResult) {
	expired := func(f *model.FileRecord) bool { return f.IsExpired(now) }

	for ctx.Err() == nil {
		batch, err := s.store.Files.QueryExpired(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("Ошибка поиска истёкших файлов", slog.String("error", err.Error()))
			result.Errors++
			return
		}

		removed := 0
		for _, rec := range batch {
			_, blobDeleted, err := s.retirer.retire(ctx, rec.ID, events.TypeExpired, "", expired)
			switch {
			case err == nil:
				removed++
				if !blobDeleted {
					result.Errors++
				}
				s.logger.Debug("Очистка: файл удалён",
					slog.String("record_id", rec.ID),
					slog.String("owner_id", rec.OwnerID),
				)
			case errors.Is(err, repository.ErrNotFound), errors.Is(err, errRetireSkipped):
				// удалён или продлён параллельно
			default:
				result.Errors++
				s.logger.Error("Очистка: ошибка удаления записи",
					slog.String("record_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		result.DeletedCount += removed

		if removed == 0 || len(batch) < s.cfg.BatchSize {
			return
		}
	}
}

// warnExpiring публикует предупреждения о записях, истекающих в окне.
// Запись помечается только после успешной публикации.
func (s *SweeperService) warnExpiring(ctx context.Context, now time.Time, result *SweepResult) {
	recs, err := s.store.Files.QueryExpiring(ctx, now, now.Add(s.cfg.WarningWindow), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Ошибка поиска истекающих файлов", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, rec := range recs {
		if err := publishRecordEvent(ctx, s.events, s.logger, events.TypeExpiring, rec, "", now); err != nil {
			result.Errors++
			continue
		}
		if err := s.store.Files.MarkExpiryWarned(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Ошибка отметки предупреждения",
				slog.String("record_id", rec.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.WarnedCount++
	}
}
