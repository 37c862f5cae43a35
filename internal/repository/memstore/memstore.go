// Пакет memstore — хранилище метаданных в памяти процесса.
// Реализует те же контракты, что и PostgreSQL-репозитории, и годится
// для одного экземпляра сервиса (разработка, тесты). Все операции
// сериализуются одной блокировкой, которая не удерживается во время
// ввода-вывода вне хранилища.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type dedupKey struct {
	owner       string
	fingerprint string
}

type counterKey struct {
	user string
	day  string
}

type memory struct {
	mu       sync.Mutex
	now      func() time.Time
	files    map[string]*model.FileRecord
	dedup    map[dedupKey]string
	counters map[counterKey]*model.QuotaCounter
	limits   map[string]model.QuotaLimits
	sessions map[string]*model.SessionToken
	grants   map[string]*model.ShareGrant
}

// undoLog — журнал отмены изменений единицы работы.
type undoLog struct {
	steps []func()
}

func (u *undoLog) rollback() {
	for _, step := range slices.Backward(u.steps) {
		step()
	}
}

// New создаёт пустое хранилище. now используется для вычисления
// действующего кода доступа записи; nil — системное время.
func New(now func() time.Time) *repository.Store {
	if now == nil {
		now = time.Now
	}
	m := &memory{
		now:      now,
		files:    make(map[string]*model.FileRecord),
		dedup:    make(map[dedupKey]string),
		counters: make(map[counterKey]*model.QuotaCounter),
		limits:   make(map[string]model.QuotaLimits),
		sessions: make(map[string]*model.SessionToken),
		grants:   make(map[string]*model.ShareGrant),
	}
	return &repository.Store{
		Files:    &fileRepo{m: m},
		Dedup:    &dedupRepo{m: m},
		Quotas:   &quotaRepo{m: m},
		Sessions: &sessionRepo{m: m},
		Shares:   &shareRepo{m: m},
		Units:    &unitOfWork{m: m},
	}
}

// acquire берёт блокировку вне единицы работы.
// Внутри единицы блокировка уже удерживается вызовом Do.
func (m *memory) acquire(tx *undoLog) func() {
	if tx != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// onUndo регистрирует шаг отмены, если операция идёт в единице работы.
func onUndo(tx *undoLog, step func()) {
	if tx != nil {
		tx.steps = append(tx.steps, step)
	}
}

type unitOfWork struct {
	m *memory
}

// Do выполняет fn под общей блокировкой; при ошибке изменения отменяются.
func (u *unitOfWork) Do(ctx context.Context, fn func(r repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.m.mu.Lock()
	defer u.m.mu.Unlock()

	tx := &undoLog{}
	err := fn(repository.Repos{
		Files:  &fileRepo{m: u.m, tx: tx},
		Dedup:  &dedupRepo{m: u.m, tx: tx},
		Shares: &shareRepo{m: u.m, tx: tx},
	})
	if err != nil {
		tx.rollback()
	}
	return err
}

func cloneFile(f *model.FileRecord) *model.FileRecord {
	c := *f
	c.Tags = slices.Clone(f.Tags)
	if f.DisplayName != nil {
		name := *f.DisplayName
		c.DisplayName = &name
	}
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		c.ExpiresAt = &t
	}
	c.ShareCode = nil
	return &c
}

func cloneGrant(g *model.ShareGrant) *model.ShareGrant {
	c := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	if g.ConsumedAt != nil {
		t := *g.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}
