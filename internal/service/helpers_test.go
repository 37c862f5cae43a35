package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository"
	"github.com/bigkaa/filevault/internal/repository/memstore"
)

const mb = 1024 * 1024

var (
	baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	admin    = model.Actor{UserID: "admin-1", IsAdmin: true}
	alice    = model.Actor{UserID: "alice"}
	bob      = model.Actor{UserID: "bob"}
)

// fakeClock — управляемые часы для тестов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// recordingPublisher — мок Publisher, запоминает события.
type recordingPublisher struct {
	mu        sync.Mutex
	events    []events.Event
	publishFn func(e events.Event) error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	if p.publishFn != nil {
		if err := p.publishFn(e); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// testEnv — сервисы поверх memstore и локального blob-хранилища.
type testEnv struct {
	clock     *fakeClock
	store     *repository.Store
	blobDir   string
	blobs     *blob.LocalStore
	events    *recordingPublisher
	files     *FileService
	sessions  *SessionService
	quotas    *QuotaService
	shares    *ShareService
	downloads *DownloadService
	sweeper   *SweeperService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T, limits model.QuotaLimits) *testEnv {
	t.Helper()

	clk := &fakeClock{now: baseTime}
	store := memstore.New(clk.Now)
	dir := t.TempDir()
	blobs, err := blob.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() ошибка: %v", err)
	}
	pub := &recordingPublisher{}
	logger := testLogger()

	files := NewFileService(store, blobs, pub, clk, FileConfig{MaxFileSize: 50 * mb}, logger)
	sessions := NewSessionService(store.Sessions, DefaultSessionTTL, bcrypt.MinCost, logger)
	quotas := NewQuotaService(store.Quotas, clk, limits, logger)
	shares, err := NewShareService(store, clk, logger)
	if err != nil {
		t.Fatalf("NewShareService() ошибка: %v", err)
	}

	return &testEnv{
		clock:     clk,
		store:     store,
		blobDir:   dir,
		blobs:     blobs,
		events:    pub,
		files:     files,
		sessions:  sessions,
		quotas:    quotas,
		shares:    shares,
		downloads: NewDownloadService(files, shares, sessions, quotas, blobs, clk, logger),
		sweeper: NewSweeperService(store, blobs, pub, clk, SweepConfig{
			Interval:      time.Hour,
			BatchSize:     2,
			WarningWindow: 24 * time.Hour,
		}, logger),
	}
}

// upload загружает файл от имени администратора owner.
func (e *testEnv) upload(t *testing.T, owner model.Actor, name, content string, ttl *time.Duration) *model.FileRecord {
	t.Helper()
	rec, err := e.files.Upload(context.Background(), owner, UploadRequest{
		Filename:    name,
		ContentType: "text/plain",
		TTL:         ttl,
		Body:        strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("Upload(%s) ошибка: %v", name, err)
	}
	return rec
}

// verify задаёт секрет и подтверждает сессию пользователя.
func (e *testEnv) verify(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	if err := e.sessions.SetToken(ctx, userID, "s3cret", e.clock.Now()); err != nil {
		t.Fatalf("SetToken() ошибка: %v", err)
	}
	if _, err := e.sessions.Verify(ctx, userID, "s3cret", e.clock.Now()); err != nil {
		t.Fatalf("Verify() ошибка: %v", err)
	}
}

// blobCount возвращает количество объектов в blob-директории.
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.blobDir)
	if err != nil {
		t.Fatalf("ReadDir() ошибка: %v", err)
	}
	return len(entries)
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() ошибка: %v", err)
	}
	return string(data)
}

func ptr[T any](v T) *T { return &v }
