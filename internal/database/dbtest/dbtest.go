// Пакет dbtest поднимает PostgreSQL в контейнере для интеграционных тестов.
// Тесты запускаются только при установленной TEST_INTEGRATION.
package dbtest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/filevault/internal/config"
	"github.com/bigkaa/filevault/internal/database"
)

// Config запускает контейнер и возвращает конфигурацию, указывающую на него.
func Config(t *testing.T) *config.Config {
	t.Helper()

	if !Enabled() {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("filevault_test"),
		postgres.WithUsername("filevault"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("FV_DB_HOST", host)
	t.Setenv("FV_DB_PORT", port.Port())
	t.Setenv("FV_DB_NAME", "filevault_test")
	t.Setenv("FV_DB_USER", "filevault")
	t.Setenv("FV_DB_PASSWORD", "test-password")
	t.Setenv("FV_DB_SSL_MODE", "disable")
	t.Setenv("FV_JWT_SECRET", "integration-test-secret-0123456789abcdef")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	return cfg
}

// Pool возвращает пул к контейнеру с применёнными миграциями.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	cfg := Config(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	pool, err := database.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
