package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript: отметки попыток хранятся в sorted set со score = время (мс).
// Возвращает {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < limit then
		local counter = redis.call('INCR', counter_key)
		redis.call('ZADD', key, now, now .. ':' .. counter)
		redis.call('PEXPIRE', key, window_ms)
		redis.call('PEXPIRE', counter_key, window_ms)
		return {1, limit - count - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry_after = 0
	if #oldest >= 2 then
		retry_after = oldest[2] + window_ms - now
	end
	return {0, 0, retry_after}
`)

// RedisLimiter — скользящее окно в Redis, общее для всех экземпляров.
type RedisLimiter struct {
	client redis.Scripter
	cfg    Config
	prefix string
}

// NewRedisLimiter создаёт лимитер. prefix отделяет ключи сервиса.
func NewRedisLimiter(client redis.Scripter, cfg Config, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, prefix: prefix}
}

// Allow выполняет проверку и учёт попытки атомарно (Lua-скрипт).
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	redisKey := l.prefix + key

	res, err := slidingWindowScript.Run(ctx, l.client, []string{redisKey, redisKey + ":counter"},
		now.UnixMilli(),
		now.Add(-l.cfg.Window).UnixMilli(),
		l.cfg.Limit,
		l.cfg.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения скрипта лимитера: %w", err)
	}
	if len(res) < 3 {
		return nil, fmt.Errorf("неожиданный ответ лимитера: %v", res)
	}

	result := &Result{Allowed: res[0] == 1, Remaining: int(res[1])}
	if !result.Allowed && res[2] > 0 {
		result.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return result, nil
}

// RedisHealth — проверка готовности Redis для /health/ready.
type RedisHealth struct {
	client *redis.Client
}

// NewRedisHealth создаёт проверку готовности Redis.
func NewRedisHealth(client *redis.Client) *RedisHealth {
	return &RedisHealth{client: client}
}

// Name — имя зависимости в ответе /health/ready.
func (h *RedisHealth) Name() string { return "redis" }

// CheckReady выполняет PING.
func (h *RedisHealth) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
