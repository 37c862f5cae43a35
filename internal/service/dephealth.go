// dephealth.go — мониторинг внешних зависимостей через topologymetrics SDK.
//
// Мониторятся только настроенные зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (critical)
//   - MinIO — HTTP checker к /minio/health/live (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для MinIO
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// MinioHealthPath — liveness endpoint MinIO.
const MinioHealthPath = "/minio/health/live"

// ErrNoDependencies — нет ни одной зависимости для мониторинга.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthTargets — зависимости для мониторинга. Пустые поля пропускаются.
type DephealthTargets struct {
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PostgresURL — URL PostgreSQL для лейблов (без пароля)
	PostgresURL string
	// MinioURL — базовый URL MinIO
	MinioURL string
}

// DephealthService — мониторинг зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга. Метрики регистрируются
// в глобальном Prometheus registry. Без зависимостей возвращает ErrNoDependencies.
func NewDephealthService(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	deps := dependencyOptions(targets, checkInterval)
	if len(deps) == 0 {
		return nil, ErrNoDependencies
	}

	opts := append([]dephealth.Option{dephealth.WithLogger(logger)}, deps...)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func dependencyOptions(targets DephealthTargets, checkInterval time.Duration) []dephealth.Option {
	var opts []dephealth.Option
	if targets.DB != nil && targets.PostgresURL != "" {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			dephealth.FromURL(targets.PostgresURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}
	if targets.MinioURL != "" {
		opts = append(opts, dephealth.HTTP("minio",
			dephealth.FromURL(targets.MinioURL),
			dephealth.WithHTTPHealthPath(MinioHealthPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}
	return opts
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает состояние зависимостей: имя → true, если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
