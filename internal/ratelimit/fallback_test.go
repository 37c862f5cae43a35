package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// limiterFunc — мок Limiter.
type limiterFunc func(ctx context.Context, key string) (*Result, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (*Result, error) { return f(ctx, key) }

func TestFallbackLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	local := NewLocalLimiter(Config{Limit: 1, Window: time.Minute}, 10, clk.now)

	primaryUp := true
	primary := limiterFunc(func(context.Context, string) (*Result, error) {
		if primaryUp {
			return &Result{Allowed: true, Remaining: 99}, nil
		}
		return nil, errors.New("redis: connection refused")
	})
	l := NewFallbackLimiter(primary, local, logger)
	ctx := context.Background()

	res, err := l.Allow(ctx, "u1")
	if err != nil || res.Remaining != 99 {
		t.Fatalf("основной лимитер: %+v, %v", res, err)
	}

	primaryUp = false
	res, err = l.Allow(ctx, "u1")
	if err != nil || !res.Allowed {
		t.Fatalf("первая локальная попытка: %+v, %v", res, err)
	}
	res, err = l.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("Allow() ошибка: %v", err)
	}
	if res.Allowed {
		t.Error("локальный лимит должен сработать при недоступном основном")
	}
}
