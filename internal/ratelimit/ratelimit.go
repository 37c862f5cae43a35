// Пакет ratelimit ограничивает частоту попыток (подтверждение секрета)
// скользящим окном: Redis для нескольких экземпляров сервиса,
// локальный LRU-кэш при отсутствии Redis.
package ratelimit

import (
	"context"
	"time"
)

// Config — параметры окна.
type Config struct {
	// Limit — число попыток в окне
	Limit int
	// Window — длительность окна
	Window time.Duration
}

// Result — результат проверки.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter — через сколько повторить (только при отказе)
	RetryAfter time.Duration
}

// Limiter — проверка и учёт попытки по ключу.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}
