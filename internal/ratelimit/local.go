package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalLimiter — скользящее окно в памяти процесса.
// Ключи вытесняются по LRU и истекают вместе с окном.
// Учитывает попытки только своего экземпляра.
type LocalLimiter struct {
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	cache *expirable.LRU[string, []time.Time]
}

// NewLocalLimiter создаёт лимитер на size ключей.
func NewLocalLimiter(cfg Config, size int, now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalLimiter{
		cfg:   cfg,
		now:   now,
		cache: expirable.NewLRU[string, []time.Time](size, nil, cfg.Window),
	}
}

// Allow проверяет и учитывает попытку.
func (l *LocalLimiter) Allow(_ context.Context, key string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	attempts, _ := l.cache.Get(key)
	kept := attempts[:0:0]
	for _, at := range attempts {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.cfg.Limit {
		l.cache.Add(key, kept)
		retry := time.Duration(0)
		if len(kept) > 0 {
			retry = kept[0].Add(l.cfg.Window).Sub(now)
		}
		return &Result{RetryAfter: retry}, nil
	}

	kept = append(kept, now)
	l.cache.Add(key, kept)
	return &Result{Allowed: true, Remaining: l.cfg.Limit - len(kept)}, nil
}
