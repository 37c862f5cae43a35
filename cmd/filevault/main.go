// Точка входа filevault — сервис хранения файлов с квотами,
// подтверждаемыми сессиями, дедупликацией и автоматическим истечением.
// Загружает конфигурацию, подключает хранилище метаданных (PostgreSQL
// или память), blob-хранилище, публикацию событий и лимитер попыток,
// создаёт сервисный слой, запускает фоновую очистку, topologymetrics
// и HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/filevault/internal/api/handlers"
	"github.com/bigkaa/filevault/internal/api/middleware"
	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/config"
	"github.com/bigkaa/filevault/internal/database"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/ratelimit"
	"github.com/bigkaa/filevault/internal/repository"
	"github.com/bigkaa/filevault/internal/repository/memstore"
	"github.com/bigkaa/filevault/internal/server"
	"github.com/bigkaa/filevault/internal/service"
)

const (
	// verifyLimiterSize — число пользователей в локальном лимитере попыток.
	verifyLimiterSize = 10000
	// eventsMaxAge — срок хранения событий в потоке JetStream.
	eventsMaxAge = 7 * 24 * time.Hour
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("filevault запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store", cfg.StoreBackend),
		slog.String("blob", cfg.BlobBackend),
	)

	ctx := context.Background()
	clk := clock.System{}
	var checkers []handlers.ReadinessChecker
	targets := service.DephealthTargets{}

	// 3. Хранилище метаданных
	var store *repository.Store
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		store = repository.NewPostgresStore(pool, repository.RetryPolicy{
			MaxRetries:      cfg.StoreRetryMax,
			InitialInterval: cfg.StoreRetryInitial,
		})
		checkers = append(checkers, database.NewReadinessChecker(pool))

		// 3.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
		targets.DB = pgDB
		targets.PostgresURL = cfg.DatabaseURL()
	default:
		logger.Warn("Метаданные хранятся в памяти: только для одного экземпляра, данные теряются при рестарте")
		store = memstore.New(clk.Now)
	}

	// 4. Blob-хранилище
	var blobs blob.Store
	switch cfg.BlobBackend {
	case config.BlobBackendMinio:
		ms, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Error("Ошибка подключения к MinIO", slog.String("error", err.Error()))
			os.Exit(1)
		}
		blobs = ms
		checkers = append(checkers, ms)
		targets.MinioURL = cfg.MinioURL()
	default:
		ls, err := blob.NewLocalStore(cfg.BlobDir)
		if err != nil {
			logger.Error("Ошибка инициализации локального хранилища",
				slog.String("dir", cfg.BlobDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		blobs = ls
		checkers = append(checkers, ls)
	}

	// 5. События жизненного цикла
	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, err := events.ConnectNATS(ctx, events.NATSConfig{
			URL:    cfg.NATSURL,
			Stream: cfg.NATSStream,
			MaxAge: eventsMaxAge,
		}, logger)
		if err != nil {
			logger.Error("Ошибка подключения к NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer np.Close()
		publisher = np
		checkers = append(checkers, np)
	} else {
		logger.Info("FV_NATS_URL не задан, события не публикуются")
	}

	// 6. Лимитер попыток подтверждения сессии
	limiterCfg := ratelimit.Config{Limit: cfg.VerifyAttempts, Window: cfg.VerifyWindow}
	var verifyLimiter ratelimit.Limiter = ratelimit.NewLocalLimiter(limiterCfg, verifyLimiterSize, time.Now)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		// При недоступности Redis попытки считаются локально
		verifyLimiter = ratelimit.NewFallbackLimiter(
			ratelimit.NewRedisLimiter(rdb, limiterCfg, "filevault:"),
			verifyLimiter,
			logger,
		)
		checkers = append(checkers, ratelimit.NewRedisHealth(rdb))
	}

	// 7. Services
	filesSvc := service.NewFileService(store, blobs, publisher, clk, service.FileConfig{
		MaxFileSize:   cfg.MaxFileSize,
		DefaultExpiry: cfg.DefaultExpiry,
	}, logger)
	sessionsSvc := service.NewSessionService(store.Sessions, cfg.SessionTTL, bcrypt.DefaultCost, logger)
	quotasSvc := service.NewQuotaService(store.Quotas, clk, model.QuotaLimits{
		BandwidthLimit: cfg.DefaultBandwidthLimit,
		DownloadLimit:  cfg.DefaultDownloadLimit,
	}, logger)
	sharesSvc, err := service.NewShareService(store, clk, logger)
	if err != nil {
		logger.Error("Ошибка создания генератора кодов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	downloadsSvc := service.NewDownloadService(filesSvc, sharesSvc, sessionsSvc, quotasSvc, blobs, clk, logger)

	// 8. Фоновая очистка истёкших файлов
	sweeperSvc := service.NewSweeperService(store, blobs, publisher, clk, service.SweepConfig{
		Interval:      cfg.SweepInterval,
		BatchSize:     cfg.SweepBatchSize,
		WarningWindow: cfg.ExpiryWarningWindow,
	}, logger)

	// 9. Handlers
	apiHandler := handlers.NewAPIHandler(handlers.Services{
		Files:     filesSvc,
		Shares:    sharesSvc,
		Sessions:  sessionsSvc,
		Quotas:    quotasSvc,
		Downloads: downloadsSvc,
		Sweeper:   sweeperSvc,
	}, clk, cfg.MaxFileSize, logger)
	healthHandler := handlers.NewHealthHandler(checkers...)

	// 10. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		Secret:          cfg.JWTSecret,
		JWKSURL:         cfg.JWTJWKSURL,
		Issuer:          cfg.JWTIssuer,
		ClientTimeout:   10 * time.Second,
		RefreshInterval: 15 * time.Minute,
		Leeway:          cfg.JWTLeeway,
	}, cfg, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 11. Запуск фоновых задач
	sweeperSvc.Start(ctx)

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL, MinIO)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"filevault",
		cfg.DephealthGroup,
		targets,
		cfg.DephealthCheckInterval,
		logger,
	)
	switch {
	case errors.Is(dephealthErr, service.ErrNoDependencies):
		logger.Info("topologymetrics: внешних зависимостей нет, мониторинг не запускается")
		dephealthSvc = nil
	case dephealthErr != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, healthHandler, jwtAuth, verifyLimiter)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	sweeperSvc.Stop()

	logger.Info("filevault остановлен")
}
