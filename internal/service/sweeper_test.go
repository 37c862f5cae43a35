package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository"
)

func TestSweeperRunOnce_NothingToDo(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	env.upload(t, admin, "a.txt", "a", nil)

	result := env.sweeper.RunOnce(context.Background())
	if result.DeletedCount != 0 || result.Errors != 0 || result.WarnedCount != 0 {
		t.Errorf("результат = %+v, ожидается пустой", result)
	}
}

func TestSweeperRunOnce_RemovesExpired(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()

	expired := env.upload(t, admin, "old.txt", "old", ptr(time.Hour))
	kept := env.upload(t, admin, "new.txt", "new", ptr(48*time.Hour))
	g, err := env.shares.CreateGrant(ctx, admin, expired.ID, GrantOptions{})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}

	env.clock.Advance(2 * time.Hour)
	result := env.sweeper.RunOnce(ctx)

	if result.DeletedCount != 1 {
		t.Errorf("DeletedCount = %d, ожидается 1", result.DeletedCount)
	}
	if result.Errors != 0 {
		t.Errorf("Errors = %d, ожидается 0", result.Errors)
	}
	if _, err := env.store.Files.GetByID(ctx, expired.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("истёкшая запись: ошибка = %v, ожидается ErrNotFound", err)
	}
	if _, err := env.store.Shares.Get(ctx, g.Code); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("код истёкшей записи: ошибка = %v, ожидается ErrNotFound", err)
	}
	if _, err := env.store.Dedup.FindDuplicate(ctx, admin.UserID, expired.Fingerprint); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("индекс: ошибка = %v, ожидается ErrNotFound", err)
	}
	if _, err := env.store.Files.GetByID(ctx, kept.ID); err != nil {
		t.Errorf("действующая запись удалена: %v", err)
	}
	if n := env.blobCount(t); n != 1 {
		t.Errorf("объектов в хранилище = %d, ожидается 1", n)
	}
	if n := len(env.events.ofType(events.TypeExpired)); n != 1 {
		t.Errorf("событий expired = %d, ожидается 1", n)
	}

	// Содержимое можно загрузить снова.
	env.upload(t, admin, "old.txt", "old", nil)

	again := env.sweeper.RunOnce(ctx)
	if again.DeletedCount != 0 {
		t.Errorf("повторная очистка удалила %d записей", again.DeletedCount)
	}
}

func TestSweeperRunOnce_Batches(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()

	for i := range 5 {
		env.upload(t, admin, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("content-%d", i), ptr(time.Minute))
	}
	env.clock.Advance(time.Hour)

	result := env.sweeper.RunOnce(ctx)
	if result.DeletedCount != 5 {
		t.Errorf("DeletedCount = %d, ожидается 5 (размер пачки 2)", result.DeletedCount)
	}
	st, _ := env.files.Stats(ctx)
	if st.TotalFiles != 0 {
		t.Errorf("осталось записей: %d", st.TotalFiles)
	}
}

func TestSweeperRunOnce_ExpiredGrants(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	short, _ := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{TTL: ptr(time.Minute)})
	long, _ := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{TTL: ptr(time.Hour)})

	env.clock.Advance(10 * time.Minute)
	result := env.sweeper.RunOnce(ctx)

	if result.GrantsDeleted != 1 {
		t.Errorf("GrantsDeleted = %d, ожидается 1", result.GrantsDeleted)
	}
	if _, err := env.store.Shares.Get(ctx, short.Code); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("истёкший код: ошибка = %v", err)
	}
	if _, err := env.store.Shares.Get(ctx, long.Code); err != nil {
		t.Errorf("действующий код удалён: %v", err)
	}
}

func TestSweeperRunOnce_ConsumedGrantsKeptForRetention(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g, _ := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})
	if _, err := env.shares.Claim(ctx, g.Code, "c", env.clock.Now()); err != nil {
		t.Fatalf("Claim() ошибка: %v", err)
	}

	env.clock.Advance(time.Hour)
	if result := env.sweeper.RunOnce(ctx); result.GrantsDeleted != 0 {
		t.Errorf("GrantsDeleted = %d, использованный код удалён раньше срока", result.GrantsDeleted)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "late", env.clock.Now()); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}

	env.clock.Advance(ConsumedGrantRetention)
	if result := env.sweeper.RunOnce(ctx); result.GrantsDeleted != 1 {
		t.Errorf("GrantsDeleted = %d, ожидается 1", result.GrantsDeleted)
	}
	if _, err := env.store.Shares.Get(ctx, g.Code); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("код после очистки: ошибка = %v", err)
	}
}

func TestSweeperRunOnce_WarnsOnce(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()

	soon := env.upload(t, admin, "soon.txt", "soon", ptr(12*time.Hour))
	env.upload(t, admin, "later.txt", "later", ptr(72*time.Hour))

	first := env.sweeper.RunOnce(ctx)
	if first.WarnedCount != 1 {
		t.Errorf("WarnedCount = %d, ожидается 1", first.WarnedCount)
	}
	warnings := env.events.ofType(events.TypeExpiring)
	if len(warnings) != 1 || warnings[0].RecordID != soon.ID {
		t.Fatalf("предупреждения = %+v", warnings)
	}

	second := env.sweeper.RunOnce(ctx)
	if second.WarnedCount != 0 {
		t.Errorf("повторное предупреждение: WarnedCount = %d", second.WarnedCount)
	}
}

func TestSweeperRunOnce_WarningRetriedAfterPublishError(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	env.upload(t, admin, "soon.txt", "soon", ptr(time.Hour))

	env.events.publishFn = func(e events.Event) error {
		if e.Type == events.TypeExpiring {
			return errors.New("nats недоступен")
		}
		return nil
	}
	first := env.sweeper.RunOnce(ctx)
	if first.WarnedCount != 0 || first.Errors != 1 {
		t.Errorf("результат = %+v, ожидается 1 ошибка без предупреждений", first)
	}

	env.events.publishFn = nil
	second := env.sweeper.RunOnce(ctx)
	if second.WarnedCount != 1 {
		t.Errorf("WarnedCount = %d, ожидается 1", second.WarnedCount)
	}
}

func TestSweeperRunOnce_SkipsExtendedRecord(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", ptr(time.Minute))

	env.clock.Advance(time.Hour)
	if _, err := env.files.SetExpiry(ctx, admin, rec.ID, ptr(time.Hour)); err != nil {
		t.Fatalf("SetExpiry() ошибка: %v", err)
	}

	result := env.sweeper.RunOnce(ctx)
	if result.DeletedCount != 0 {
		t.Errorf("продлённая запись удалена: %+v", result)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", ptr(time.Minute))
	env.clock.Advance(time.Hour)

	env.sweeper.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := env.store.Files.GetByID(ctx, rec.ID); errors.Is(err, repository.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("первый цикл очистки не выполнен")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.sweeper.Stop()
	env.sweeper.Stop()
}
