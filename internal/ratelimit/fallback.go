package ratelimit

import (
	"context"
	"log/slog"
)

// FallbackLimiter обращается к primary, а при его ошибке к secondary.
// Отказ Redis не открывает подбор секрета: попытки продолжают
// учитываться локально.
type FallbackLimiter struct {
	primary   Limiter
	secondary Limiter
	logger    *slog.Logger
}

// NewFallbackLimiter создаёт лимитер с запасным вариантом.
func NewFallbackLimiter(primary, secondary Limiter, logger *slog.Logger) *FallbackLimiter {
	return &FallbackLimiter{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With(slog.String("component", "ratelimit")),
	}
}

// Allow проверяет попытку.
func (l *FallbackLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	res, err := l.primary.Allow(ctx, key)
	if err == nil {
		return res, nil
	}
	l.logger.Warn("Основной лимитер недоступен, используется локальный",
		slog.String("error", err.Error()),
	)
	return l.secondary.Allow(ctx, key)
}
