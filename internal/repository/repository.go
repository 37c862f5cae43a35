// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM. Межзапросная координация
// (квоты, claim кодов, дедупликация) выражена атомарными SQL-операциями.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется *pgxpool.Pool, pgx.Tx и retryDB.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repos — репозитории, участвующие в единице работы.
// Запись файла, её элемент индекса дедупликации и коды доступа
// создаются и удаляются вместе.
type Repos struct {
	Files  FileRecordRepository
	Dedup  DedupRepository
	Shares ShareGrantRepository
}

// UnitOfWork выполняет fn атомарно относительно хранилища.
// Ошибка fn отменяет все изменения, если хранилище это поддерживает.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(r Repos) error) error
}

// Store — набор репозиториев одного хранилища.
type Store struct {
	Files    FileRecordRepository
	Dedup    DedupRepository
	Quotas   QuotaRepository
	Sessions SessionRepository
	Shares   ShareGrantRepository
	Units    UnitOfWork
}

// NewPostgresStore собирает Store поверх пула.
// Запросы вне транзакций повторяются по policy при сетевых сбоях.
func NewPostgresStore(pool *pgxpool.Pool, policy RetryPolicy) *Store {
	db := newRetryDB(pool, policy)
	return &Store{
		Files:    NewFileRecordRepository(db),
		Dedup:    NewDedupRepository(db),
		Quotas:   NewQuotaRepository(db),
		Sessions: NewSessionRepository(db),
		Shares:   NewShareGrantRepository(db),
		Units:    NewTxRunner(pool, policy),
	}
}

// TxRunner выполняет единицу работы в транзакции PostgreSQL.
type TxRunner struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool, policy RetryPolicy) *TxRunner {
	return &TxRunner{pool: pool, policy: policy}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn транзакция откатывается, при успехе коммитится.
// Повторяется только начало транзакции: после первого запроса
// исход неизвестен.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var tx pgx.Tx
	err := r.policy.do(ctx, func() error {
		var err error
		tx, err = r.pool.Begin(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Do реализует UnitOfWork.
func (r *TxRunner) Do(ctx context.Context, fn func(r Repos) error) error {
	return r.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(Repos{
			Files:  NewFileRecordRepository(tx),
			Dedup:  NewDedupRepository(tx),
			Shares: NewShareGrantRepository(tx),
		})
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyViolation — ссылка на несуществующую запись.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
