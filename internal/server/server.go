// Пакет server — HTTP-сервер filevault с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/filevault/internal/api/handlers"
	"github.com/bigkaa/filevault/internal/api/middleware"
	"github.com/bigkaa/filevault/internal/config"
	"github.com/bigkaa/filevault/internal/ratelimit"
)

// verifyScope — префикс ключа лимитера попыток подтверждения сессии.
const verifyScope = "verify"

// Server — HTTP-сервер filevault.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// verifyLimiter ограничивает POST /api/v1/session/verify.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	api *handlers.APIHandler,
	health *handlers.HealthHandler,
	jwtAuth *middleware.JWTAuth,
	verifyLimiter ratelimit.Limiter,
) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(logger, api, health, jwtAuth, verifyLimiter),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

func newRouter(
	logger *slog.Logger,
	api *handlers.APIHandler,
	health *handlers.HealthHandler,
	jwtAuth *middleware.JWTAuth,
	verifyLimiter ratelimit.Limiter,
) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую, без JWT.
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())

		r.Route("/files", func(r chi.Router) {
			r.Post("/", api.UploadFile)
			r.Get("/", api.ListFiles)
			r.Get("/search", api.SearchFiles)
			r.Get("/tags/{tag}", api.FilesByTag)
			r.Get("/{id}", api.GetFile)
			r.Patch("/{id}", api.UpdateFile)
			r.Put("/{id}/expiry", api.SetFileExpiry)
			r.Delete("/{id}", api.DeleteFile)
			r.Get("/{id}/download", api.DownloadFile)
			r.Post("/{id}/shares", api.CreateShare)
			r.Delete("/{id}/shares", api.RevokeShares)
		})

		r.Get("/shares/{code}", api.ClaimShare)
		r.Get("/shares/{code}/download", api.DownloadShare)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", api.GetSession)
			r.Put("/token", api.SetSessionToken)
			r.With(middleware.RateLimit(verifyLimiter, verifyScope, logger)).
				Post("/verify", api.VerifySession)
		})

		r.Get("/quota", api.GetQuota)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Delete("/files/{id}", api.ForceDeleteFile)
			r.Get("/quotas", api.ListQuotas)
			r.Get("/quotas/{user_id}", api.GetUserQuota)
			r.Put("/quotas/{user_id}", api.SetUserQuota)
			r.Post("/quotas/{user_id}/reset", api.ResetUserQuota)
			r.Get("/stats", api.GetStats)
			r.Post("/sweep", api.RunSweep)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
