package repository

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RetryPolicy — повтор запросов при сбоях соединения.
// Повторяются только ошибки, после которых запрос гарантированно
// не дошёл до сервера (pgconn.SafeToRetry). Остальные возвращаются сразу:
// решение о квоте нельзя принимать по догадке.
type RetryPolicy struct {
	// MaxRetries — число повторов (0 — без повторов)
	MaxRetries int
	// InitialInterval — первая пауза, далее экспоненциально
	InitialInterval time.Duration
}

func (p RetryPolicy) do(ctx context.Context, op func() error) error {
	if p.MaxRetries <= 0 {
		return op()
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !pgconn.SafeToRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// retryDB — DBTX поверх пула с повтором по RetryPolicy.
// Внутри транзакций не используется.
type retryDB struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

func newRetryDB(pool *pgxpool.Pool, policy RetryPolicy) *retryDB {
	return &retryDB{pool: pool, policy: policy}
}

func (d *retryDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := d.policy.do(ctx, func() error {
		var err error
		tag, err = d.pool.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

func (d *retryDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := d.policy.do(ctx, func() error {
		var err error
		rows, err = d.pool.Query(ctx, sql, args...)
		return err
	})
	return rows, err
}

func (d *retryDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &retryRow{db: d, ctx: ctx, sql: sql, args: args}
}

// retryRow откладывает запрос до Scan, чтобы повторять его целиком.
type retryRow struct {
	db   *retryDB
	ctx  context.Context
	sql  string
	args []any
}

func (r *retryRow) Scan(dest ...any) error {
	return r.db.policy.do(r.ctx, func() error {
		return r.db.pool.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
	})
}
