package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
)

func TestShare_CodeFormat(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g, err := env.shares.CreateGrant(context.Background(), admin, rec.ID, GrantOptions{SingleUse: true})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	if len(g.Code) != ShareCodeLength {
		t.Errorf("длина кода = %d, ожидается %d", len(g.Code), ShareCodeLength)
	}
	for _, r := range g.Code {
		if !strings.ContainsRune(ShareCodeAlphabet, r) {
			t.Errorf("символ %q вне алфавита", r)
		}
	}
}

func TestShare_SingleUseConcurrentClaim(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = env.shares.Claim(ctx, g.Code, "claimant", baseTime)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrGrantExpiredOrConsumed):
		default:
			t.Errorf("неожиданная ошибка: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("успешных claim = %d, ожидается 1", ok)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "late", baseTime); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("повторный claim: ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}
}

func TestShare_SingleUseSecondClaim(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "first", baseTime); err != nil {
		t.Fatalf("первый claim: %v", err)
	}

	if _, err := env.shares.Claim(ctx, g.Code, "second", baseTime.Add(time.Second)); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("второй claim: ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}
	if _, _, err := env.shares.Peek(ctx, g.Code, baseTime.Add(time.Second)); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("Peek: ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}

	got, err := env.files.Get(ctx, admin, rec.ID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if got.ShareCode != nil {
		t.Errorf("ShareCode = %q, использованный код не должен отображаться", *got.ShareCode)
	}
}

func TestShare_MultiUseReuseAndCount(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g1, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	g2, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	if g1.Code != g2.Code {
		t.Errorf("многоразовый бессрочный код должен переиспользоваться: %s != %s", g1.Code, g2.Code)
	}

	for range 3 {
		got, err := env.shares.Claim(ctx, strings.ToLower(g1.Code), "claimant", baseTime)
		if err != nil {
			t.Fatalf("Claim() ошибка: %v", err)
		}
		if got.ID != rec.ID {
			t.Errorf("запись = %q, ожидается %q", got.ID, rec.ID)
		}
	}
	stored, err := env.store.Shares.Get(ctx, g1.Code)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if stored.UseCount != 3 {
		t.Errorf("UseCount = %d, ожидается 3", stored.UseCount)
	}

	withTTL, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{TTL: ptr(time.Hour)})
	if err != nil {
		t.Fatalf("CreateGrant(TTL) ошибка: %v", err)
	}
	if withTTL.Code == g1.Code {
		t.Error("код со сроком действия должен быть новым")
	}
}

func TestShare_Expired(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	g, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{TTL: ptr(time.Minute)})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "c", baseTime.Add(time.Minute)); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}
	if _, _, err := env.shares.Peek(ctx, g.Code, baseTime.Add(time.Minute)); !errors.Is(err, ErrGrantExpiredOrConsumed) {
		t.Errorf("Peek: ошибка = %v, ожидается ErrGrantExpiredOrConsumed", err)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "c", baseTime.Add(59*time.Second)); err != nil {
		t.Errorf("до истечения: ошибка %v", err)
	}
}

func TestShare_UnknownCode(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	if _, err := env.shares.Claim(context.Background(), "NOPE000000", "c", baseTime); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("ошибка = %v, ожидается ErrRecordNotFound", err)
	}
}

func TestShare_AccessAndRevoke(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	if _, err := env.shares.CreateGrant(ctx, alice, rec.ID, GrantOptions{}); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("чужая запись: ошибка = %v, ожидается ErrRecordNotFound", err)
	}
	if _, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{TTL: ptr(-time.Second)}); !errors.Is(err, ErrValidation) {
		t.Errorf("отрицательный TTL: ошибка = %v, ожидается ErrValidation", err)
	}

	g, _ := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{})
	env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})

	n, err := env.shares.RevokeForRecord(ctx, admin, rec.ID)
	if err != nil {
		t.Fatalf("RevokeForRecord() ошибка: %v", err)
	}
	if n != 2 {
		t.Errorf("удалено кодов = %d, ожидается 2", n)
	}
	if _, err := env.shares.Claim(ctx, g.Code, "c", baseTime); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("отозванный код: ошибка = %v, ожидается ErrRecordNotFound", err)
	}
}

func TestShare_CodeCollisionRetry(t *testing.T) {
	env := newTestEnv(t, model.QuotaLimits{})
	ctx := context.Background()
	rec := env.upload(t, admin, "a.txt", "a", nil)

	codes := []string{"AAAAAAAAAA", "AAAAAAAAAA", "BBBBBBBBBB"}
	env.shares.generate = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})
	if err != nil || first.Code != "AAAAAAAAAA" {
		t.Fatalf("первый код: %+v, %v", first, err)
	}
	second, err := env.shares.CreateGrant(ctx, admin, rec.ID, GrantOptions{SingleUse: true})
	if err != nil {
		t.Fatalf("CreateGrant() ошибка: %v", err)
	}
	if second.Code != "BBBBBBBBBB" {
		t.Errorf("после коллизии код = %q, ожидается BBBBBBBBBB", second.Code)
	}
}
