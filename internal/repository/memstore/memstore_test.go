package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

const mb = 1024 * 1024

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newStore() *repository.Store {
	return New(func() time.Time { return baseTime })
}

func record(id, owner, fingerprint string) *model.FileRecord {
	return &model.FileRecord{
		ID:          id,
		OwnerID:     owner,
		Filename:    id + ".bin",
		Fingerprint: fingerprint,
		Size:        10,
		StorageRef:  "ref-" + id,
		CreatedAt:   baseTime,
	}
}

func TestUnitOfWork_RollbackOnError(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	if err := s.Files.Create(ctx, record("r1", "u1", "fp")); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := s.Dedup.Register(ctx, "u1", "fp", "r1"); err != nil {
		t.Fatalf("Register() ошибка: %v", err)
	}

	err := s.Units.Do(ctx, func(r repository.Repos) error {
		if err := r.Files.Create(ctx, record("r2", "u1", "fp")); err != nil {
			return err
		}
		return r.Dedup.Register(ctx, "u1", "fp", "r2")
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("ожидали ErrConflict, получили %v", err)
	}
	if _, err := s.Files.GetByID(ctx, "r2"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("запись r2 должна быть отменена, получили %v", err)
	}
}

func TestUnitOfWork_DeleteCascadeRollback(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_ = s.Files.Create(ctx, record("r1", "u1", "fp"))
	_ = s.Dedup.Register(ctx, "u1", "fp", "r1")
	_ = s.Shares.Create(ctx, &model.ShareGrant{Code: "CODE000001", RecordID: "r1", CreatedAt: baseTime})

	boom := errors.New("сбой")
	err := s.Units.Do(ctx, func(r repository.Repos) error {
		if _, err := r.Shares.DeleteByRecord(ctx, "r1"); err != nil {
			return err
		}
		if err := r.Dedup.Unregister(ctx, "u1", "fp"); err != nil {
			return err
		}
		if _, err := r.Files.DeleteIfPresent(ctx, "r1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали исходную ошибку, получили %v", err)
	}

	if _, err := s.Files.GetByID(ctx, "r1"); err != nil {
		t.Errorf("запись должна восстановиться: %v", err)
	}
	if _, err := s.Dedup.FindDuplicate(ctx, "u1", "fp"); err != nil {
		t.Errorf("элемент индекса должен восстановиться: %v", err)
	}
	if _, err := s.Shares.Get(ctx, "CODE000001"); err != nil {
		t.Errorf("код доступа должен восстановиться: %v", err)
	}
}

func TestDeleteIfPresent_Cascades(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_ = s.Files.Create(ctx, record("r1", "u1", "fp"))
	_ = s.Dedup.Register(ctx, "u1", "fp", "r1")
	_ = s.Shares.Create(ctx, &model.ShareGrant{Code: "CODE000001", RecordID: "r1", CreatedAt: baseTime})

	if _, err := s.Files.DeleteIfPresent(ctx, "r1"); err != nil {
		t.Fatalf("DeleteIfPresent() ошибка: %v", err)
	}
	if _, err := s.Files.DeleteIfPresent(ctx, "r1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("повторное удаление: ожидали ErrNotFound, получили %v", err)
	}
	if _, err := s.Dedup.FindDuplicate(ctx, "u1", "fp"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("индекс должен очиститься, получили %v", err)
	}
	if _, err := s.Shares.Get(ctx, "CODE000001"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("код должен удалиться, получили %v", err)
	}
}

func TestQuota_ConcurrentConsume(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	limits := model.QuotaLimits{BandwidthLimit: 10 * mb}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed, denied := 0, 0
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Quotas.CheckAndConsume(ctx, "u1", "2024-01-01", 8*mb, limits)
			if err != nil {
				t.Errorf("CheckAndConsume() ошибка: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if d.Allowed {
				allowed++
			} else if d.Reason == model.QuotaReasonBandwidth {
				denied++
			}
		}()
	}
	wg.Wait()

	if allowed != 1 || denied != 1 {
		t.Errorf("allowed = %d, denied = %d; хотели 1 и 1", allowed, denied)
	}
}

func TestQuota_DeniedDoesNotMutate(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	limits := model.QuotaLimits{BandwidthLimit: 100, DownloadLimit: 2}

	if d, _ := s.Quotas.CheckAndConsume(ctx, "u1", "2024-01-01", 60, limits); !d.Allowed {
		t.Fatal("первое скачивание должно пройти")
	}
	d, _ := s.Quotas.CheckAndConsume(ctx, "u1", "2024-01-01", 60, limits)
	if d.Allowed || d.Reason != model.QuotaReasonBandwidth {
		t.Fatalf("ожидали отказ по трафику, получили %+v", d)
	}
	c, _ := s.Quotas.GetCounter(ctx, "u1", "2024-01-01")
	if c.BytesUsed != 60 || c.DownloadCount != 1 {
		t.Errorf("счётчики изменились при отказе: %+v", c)
	}

	_, _ = s.Quotas.CheckAndConsume(ctx, "u1", "2024-01-01", 10, limits)
	d, _ = s.Quotas.CheckAndConsume(ctx, "u1", "2024-01-01", 10, limits)
	if d.Allowed || d.Reason != model.QuotaReasonCount {
		t.Errorf("ожидали отказ по количеству, получили %+v", d)
	}

	other, _ := s.Quotas.GetCounter(ctx, "u1", "2024-01-02")
	if other.BytesUsed != 0 || other.DownloadCount != 0 {
		t.Errorf("счётчики следующего дня должны быть нулевыми: %+v", other)
	}
}

func TestShare_SingleUseConcurrentConsume(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_ = s.Files.Create(ctx, record("r1", "u1", "fp"))
	_ = s.Shares.Create(ctx, &model.ShareGrant{Code: "ONCE000001", RecordID: "r1", SingleUse: true, CreatedAt: baseTime})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Shares.Consume(ctx, "ONCE000001", baseTime); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("успешных Consume = %d, хотели 1", ok)
	}

	g, err := s.Shares.Get(ctx, "ONCE000001")
	if err != nil {
		t.Fatalf("использованный код должен оставаться до очистки: %v", err)
	}
	if !g.IsConsumed() || g.UseCount != 1 {
		t.Errorf("ConsumedAt = %v, UseCount = %d", g.ConsumedAt, g.UseCount)
	}
	if rec, _ := s.Files.GetByID(ctx, "r1"); rec.ShareCode != nil {
		t.Errorf("ShareCode = %q, использованный код не должен отображаться", *rec.ShareCode)
	}

	if n, _ := s.Shares.DeleteExpired(ctx, baseTime, baseTime.Add(-time.Second)); n != 0 {
		t.Errorf("DeleteExpired() до срока хранения = %d, хотели 0", n)
	}
	if n, _ := s.Shares.DeleteExpired(ctx, baseTime, baseTime); n != 1 {
		t.Errorf("DeleteExpired() = %d, хотели 1", n)
	}
}

func TestFiles_ShareCodeAndListing(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	older := record("r1", "u1", "fp1")
	newer := record("r2", "u1", "fp2")
	newer.CreatedAt = baseTime.Add(time.Minute)
	newer.Tags = []string{"music"}
	_ = s.Files.Create(ctx, older)
	_ = s.Files.Create(ctx, newer)

	past := baseTime.Add(-time.Second)
	_ = s.Shares.Create(ctx, &model.ShareGrant{Code: "OLDCODE001", RecordID: "r1", CreatedAt: baseTime.Add(-time.Hour), ExpiresAt: &past})
	_ = s.Shares.Create(ctx, &model.ShareGrant{Code: "LIVECODE01", RecordID: "r1", CreatedAt: baseTime})

	got, _ := s.Files.GetByID(ctx, "r1")
	if got.ShareCode == nil || *got.ShareCode != "LIVECODE01" {
		t.Errorf("ShareCode = %v, хотели LIVECODE01", got.ShareCode)
	}

	list, _ := s.Files.ListByOwner(ctx, "u1", 10, 0)
	if len(list) != 2 || list[0].ID != "r2" {
		t.Errorf("ListByOwner() порядок неверен: %v", list)
	}
	list, _ = s.Files.ListByOwner(ctx, "u1", 10, 5)
	if len(list) != 0 {
		t.Errorf("смещение за пределами списка: %d записей", len(list))
	}

	tagged, _ := s.Files.ListByTag(ctx, "u1", "music", 50)
	if len(tagged) != 1 || tagged[0].ID != "r2" {
		t.Errorf("ListByTag() = %v", tagged)
	}

	found, _ := s.Files.SearchByName(ctx, "u1", "R1.B", 20)
	if len(found) != 1 {
		t.Errorf("SearchByName() = %d записей, хотели 1", len(found))
	}

	// Возвращённая копия не меняет хранимую запись.
	got.Tags = append(got.Tags, "mutated")
	again, _ := s.Files.GetByID(ctx, "r1")
	if len(again.Tags) != 0 {
		t.Errorf("хранимая запись изменилась: %v", again.Tags)
	}
}

func TestSession_MarkVerifiedRequiresSameHash(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_ = s.Sessions.SetToken(ctx, "u1", []byte("h1"), baseTime)
	if err := s.Sessions.MarkVerified(ctx, "u1", []byte("h2"), baseTime.Add(time.Hour), baseTime); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("ожидали ErrNotFound, получили %v", err)
	}
	if err := s.Sessions.MarkVerified(ctx, "u1", []byte("h1"), baseTime.Add(time.Hour), baseTime); err != nil {
		t.Fatalf("MarkVerified() ошибка: %v", err)
	}
	tok, _ := s.Sessions.Get(ctx, "u1")
	if !tok.IsActive(baseTime) {
		t.Error("сессия должна быть активна")
	}
}
