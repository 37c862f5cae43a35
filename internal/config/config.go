// Пакет config — загрузка и валидация конфигурации filevault
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения backend-ов.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	BlobBackendLocal = "local"
	BlobBackendMinio = "minio"
)

// Config содержит все параметры конфигурации filevault.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Хранилище метаданных ---

	// Backend метаданных: postgres или memory (только один экземпляр)
	StoreBackend string
	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимальное число повторов при транзиентных ошибках PostgreSQL
	StoreRetryMax int
	// Начальная пауза между повторами
	StoreRetryInitial time.Duration

	// --- Blob-хранилище ---

	// Backend содержимого файлов: local или minio
	BlobBackend string
	// Директория для local backend
	BlobDir string
	// Endpoint MinIO (host:port)
	MinioEndpoint string
	// Access key MinIO
	MinioAccessKey string
	// Secret key MinIO
	MinioSecretKey string
	// Bucket для содержимого файлов
	MinioBucket string
	// Использовать TLS при подключении к MinIO
	MinioUseSSL bool

	// --- События и лимиты попыток ---

	// URL NATS (пусто — события не публикуются)
	NATSURL string
	// Имя JetStream stream для событий жизненного цикла
	NATSStream string
	// Адрес Redis (пусто — локальный лимитер попыток)
	RedisAddr string
	// Пароль Redis
	RedisPassword string
	// Номер базы Redis
	RedisDB int

	// --- JWT ---

	// Общий секрет HS256 (взаимоисключающий с JWTJWKSURL)
	JWTSecret string
	// URL JWKS endpoint для RS256
	JWTJWKSURL string
	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Доступ ---

	// Пользователи с правами администратора
	AdminUserIDs []string
	// Разрешённые пользователи (пусто — доступ открыт всем)
	AllowedUserIDs []string

	// --- Квоты и жизненный цикл ---

	// Суточный лимит трафика по умолчанию в байтах (0 — без лимита)
	DefaultBandwidthLimit int64
	// Суточный лимит количества скачиваний по умолчанию (0 — без лимита)
	DefaultDownloadLimit int64
	// Срок жизни загружаемых файлов по умолчанию (0 — бессрочно)
	DefaultExpiry time.Duration
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Длительность подтверждённой сессии
	SessionTTL time.Duration
	// Максимум попыток подтверждения токена в окне
	VerifyAttempts int
	// Окно лимита попыток подтверждения
	VerifyWindow time.Duration
	// Интервал запуска очистки просроченных файлов
	SweepInterval time.Duration
	// Размер пачки записей за один проход очистки
	SweepBatchSize int
	// Окно предупреждения об истечении срока хранения
	ExpiryWarningWindow time.Duration

	// --- topologymetrics ---

	// Имя группы в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:gocyclo,funlen // линейная последовательность чтения переменных
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FV_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("FV_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FV_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FV_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FV_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FV_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FV_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FV_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Хранилище метаданных ---

	cfg.StoreBackend = getEnvDefault("FV_STORE_BACKEND", StoreBackendPostgres)
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("FV_STORE_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.StoreBackend)
	}

	cfg.StoreRetryMax, err = getEnvInt("FV_STORE_RETRY_MAX", 3)
	if err != nil {
		return nil, fmt.Errorf("FV_STORE_RETRY_MAX: %w", err)
	}
	if cfg.StoreRetryMax < 0 || cfg.StoreRetryMax > 10 {
		return nil, fmt.Errorf("FV_STORE_RETRY_MAX: значение %d вне допустимого диапазона 0-10", cfg.StoreRetryMax)
	}

	cfg.StoreRetryInitial, err = getEnvDuration("FV_STORE_RETRY_INITIAL", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("FV_STORE_RETRY_INITIAL: %w", err)
	}

	// --- Blob-хранилище ---

	cfg.BlobBackend = getEnvDefault("FV_BLOB_BACKEND", BlobBackendLocal)
	switch cfg.BlobBackend {
	case BlobBackendLocal:
		cfg.BlobDir = getEnvDefault("FV_BLOB_DIR", "./data/blobs")
	case BlobBackendMinio:
		if err := loadMinio(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("FV_BLOB_BACKEND: недопустимое значение %q, допустимые: local, minio", cfg.BlobBackend)
	}

	// --- События и лимиты попыток ---

	cfg.NATSURL = getEnvDefault("FV_NATS_URL", "")
	cfg.NATSStream = getEnvDefault("FV_NATS_STREAM", "FILEVAULT")

	cfg.RedisAddr = getEnvDefault("FV_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("FV_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("FV_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("FV_REDIS_DB: %w", err)
	}

	// --- JWT ---

	cfg.JWTSecret = getEnvDefault("FV_JWT_SECRET", "")
	cfg.JWTJWKSURL = getEnvDefault("FV_JWT_JWKS_URL", "")
	if cfg.JWTSecret == "" && cfg.JWTJWKSURL == "" {
		return nil, fmt.Errorf("FV_JWT_SECRET или FV_JWT_JWKS_URL: одна из переменных обязательна")
	}
	if cfg.JWTSecret != "" && cfg.JWTJWKSURL != "" {
		return nil, fmt.Errorf("FV_JWT_SECRET и FV_JWT_JWKS_URL: допускается только одна из переменных")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("FV_JWT_SECRET: минимальная длина секрета 32 байта")
	}
	cfg.JWTIssuer = getEnvDefault("FV_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("FV_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FV_JWT_LEEWAY: %w", err)
	}

	// --- Доступ ---

	cfg.AdminUserIDs = parseCSV(getEnvDefault("FV_ADMIN_USER_IDS", ""))
	cfg.AllowedUserIDs = parseCSV(getEnvDefault("FV_ALLOWED_USER_IDS", ""))

	// --- Квоты и жизненный цикл ---

	bandwidthMB, err := getEnvInt64("FV_DEFAULT_BANDWIDTH_LIMIT_MB", 500)
	if err != nil {
		return nil, fmt.Errorf("FV_DEFAULT_BANDWIDTH_LIMIT_MB: %w", err)
	}
	if bandwidthMB < 0 {
		return nil, fmt.Errorf("FV_DEFAULT_BANDWIDTH_LIMIT_MB: значение не может быть отрицательным")
	}
	cfg.DefaultBandwidthLimit = bandwidthMB * 1024 * 1024

	cfg.DefaultDownloadLimit, err = getEnvInt64("FV_DEFAULT_DOWNLOAD_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("FV_DEFAULT_DOWNLOAD_LIMIT: %w", err)
	}
	if cfg.DefaultDownloadLimit < 0 {
		return nil, fmt.Errorf("FV_DEFAULT_DOWNLOAD_LIMIT: значение не может быть отрицательным")
	}

	cfg.DefaultExpiry, err = getEnvDuration("FV_DEFAULT_EXPIRY", 0)
	if err != nil {
		return nil, fmt.Errorf("FV_DEFAULT_EXPIRY: %w", err)
	}

	maxSizeMB, err := getEnvInt64("FV_MAX_FILE_SIZE_MB", 50)
	if err != nil {
		return nil, fmt.Errorf("FV_MAX_FILE_SIZE_MB: %w", err)
	}
	if maxSizeMB < 1 {
		return nil, fmt.Errorf("FV_MAX_FILE_SIZE_MB: значение %d должно быть положительным", maxSizeMB)
	}
	cfg.MaxFileSize = maxSizeMB * 1024 * 1024

	cfg.SessionTTL, err = getEnvDuration("FV_SESSION_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FV_SESSION_TTL: %w", err)
	}

	cfg.VerifyAttempts, err = getEnvInt("FV_VERIFY_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("FV_VERIFY_ATTEMPTS: %w", err)
	}
	if cfg.VerifyAttempts < 1 {
		return nil, fmt.Errorf("FV_VERIFY_ATTEMPTS: значение %d должно быть положительным", cfg.VerifyAttempts)
	}

	cfg.VerifyWindow, err = getEnvDuration("FV_VERIFY_WINDOW", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FV_VERIFY_WINDOW: %w", err)
	}

	cfg.SweepInterval, err = getEnvDuration("FV_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FV_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval < time.Second {
		return nil, fmt.Errorf("FV_SWEEP_INTERVAL: минимальный интервал 1s")
	}

	cfg.SweepBatchSize, err = getEnvInt("FV_SWEEP_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("FV_SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.SweepBatchSize < 1 || cfg.SweepBatchSize > 10000 {
		return nil, fmt.Errorf("FV_SWEEP_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.SweepBatchSize)
	}

	cfg.ExpiryWarningWindow, err = getEnvDuration("FV_EXPIRY_WARNING_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FV_EXPIRY_WARNING_WINDOW: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FV_DEPHEALTH_GROUP", "filevault")
	cfg.DephealthCheckInterval, err = getEnvDuration("FV_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FV_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("FV_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FV_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadPostgres читает параметры подключения к PostgreSQL.
func loadPostgres(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("FV_DB_HOST")
	if err != nil {
		return err
	}

	cfg.DBPort, err = getEnvInt("FV_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("FV_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("FV_DB_NAME")
	if err != nil {
		return err
	}

	cfg.DBUser, err = getEnvRequired("FV_DB_USER")
	if err != nil {
		return err
	}

	cfg.DBPassword, err = getEnvRequired("FV_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("FV_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("FV_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadMinio читает параметры подключения к MinIO.
func loadMinio(cfg *Config) error {
	var err error

	cfg.MinioEndpoint, err = getEnvRequired("FV_MINIO_ENDPOINT")
	if err != nil {
		return err
	}
	cfg.MinioAccessKey, err = getEnvRequired("FV_MINIO_ACCESS_KEY")
	if err != nil {
		return err
	}
	cfg.MinioSecretKey, err = getEnvRequired("FV_MINIO_SECRET_KEY")
	if err != nil {
		return err
	}
	cfg.MinioBucket = getEnvDefault("FV_MINIO_BUCKET", "filevault")
	cfg.MinioUseSSL, err = getEnvBool("FV_MINIO_USE_SSL", false)
	if err != nil {
		return fmt.Errorf("FV_MINIO_USE_SSL: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.DBUser),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// MinioURL возвращает URL MinIO для health check.
func (c *Config) MinioURL() string {
	scheme := "http"
	if c.MinioUseSSL {
		scheme = "https"
	}
	return scheme + "://" + c.MinioEndpoint
}

// IsAdmin проверяет, входит ли пользователь в список администраторов.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsAllowed проверяет доступ пользователя к сервису.
// Пустой список разрешённых означает открытый доступ.
// Администраторы допускаются всегда.
func (c *Config) IsAllowed(userID string) bool {
	if len(c.AllowedUserIDs) == 0 || c.IsAdmin(userID) {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("длительность не может быть отрицательной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
