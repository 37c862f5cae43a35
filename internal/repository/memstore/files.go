package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type fileRepo struct {
	m  *memory
	tx *undoLog
}

// view возвращает копию записи с кодом последней действующей ссылки.
func (r *fileRepo) view(f *model.FileRecord) *model.FileRecord {
	c := cloneFile(f)
	now := r.m.now()
	var latest *model.ShareGrant
	for _, g := range r.m.grants {
		if g.RecordID != f.ID || g.IsExpired(now) || g.IsConsumed() {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	if latest != nil {
		code := latest.Code
		c.ShareCode = &code
	}
	return c
}

// newestFirst — порядок выдачи списков.
func newestFirst(a, b *model.FileRecord) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (r *fileRepo) collect(match func(f *model.FileRecord) bool, order func(a, b *model.FileRecord) int) []*model.FileRecord {
	result := make([]*model.FileRecord, 0)
	for _, f := range r.m.files {
		if match(f) {
			result = append(result, f)
		}
	}
	slices.SortFunc(result, order)
	return result
}

func (r *fileRepo) views(list []*model.FileRecord) []*model.FileRecord {
	for i, f := range list {
		list[i] = r.view(f)
	}
	return list
}

func page(list []*model.FileRecord, limit, offset int) []*model.FileRecord {
	if offset >= len(list) {
		return list[:0]
	}
	list = list[offset:]
	if limit >= 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

func (r *fileRepo) Create(_ context.Context, f *model.FileRecord) error {
	defer r.m.acquire(r.tx)()

	if _, ok := r.m.files[f.ID]; ok {
		return fmt.Errorf("%w: запись файла %s уже существует", repository.ErrConflict, f.ID)
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
	r.m.files[f.ID] = cloneFile(f)
	onUndo(r.tx, func() { delete(r.m.files, f.ID) })
	return nil
}

func (r *fileRepo) GetByID(_ context.Context, recordID string) (*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	f, ok := r.m.files[recordID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.view(f), nil
}

// GetForUpdate: единица работы memstore и так держит общий мьютекс.
func (r *fileRepo) GetForUpdate(ctx context.Context, recordID string) (*model.FileRecord, error) {
	return r.GetByID(ctx, recordID)
}

func (r *fileRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	list := r.collect(func(f *model.FileRecord) bool { return f.OwnerID == ownerID }, newestFirst)
	return r.views(page(list, limit, offset)), nil
}

func (r *fileRepo) CountByOwner(_ context.Context, ownerID string) (int, error) {
	defer r.m.acquire(r.tx)()

	n := 0
	for _, f := range r.m.files {
		if f.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (r *fileRepo) SearchByName(_ context.Context, ownerID, query string, limit int) ([]*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	q := strings.ToLower(query)
	list := r.collect(func(f *model.FileRecord) bool {
		return f.OwnerID == ownerID && strings.Contains(strings.ToLower(f.Name()), q)
	}, newestFirst)
	return r.views(page(list, limit, 0)), nil
}

func (r *fileRepo) ListByTag(_ context.Context, ownerID, tag string, limit int) ([]*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	list := r.collect(func(f *model.FileRecord) bool {
		return f.OwnerID == ownerID && slices.Contains(f.Tags, tag)
	}, newestFirst)
	return r.views(page(list, limit, 0)), nil
}

func (r *fileRepo) SetDisplayName(_ context.Context, recordID string, name *string) error {
	return r.modify(recordID, func(f *model.FileRecord) {
		f.DisplayName = nil
		if name != nil {
			n := *name
			f.DisplayName = &n
		}
	})
}

func (r *fileRepo) SetTags(_ context.Context, recordID string, tags []string) error {
	return r.modify(recordID, func(f *model.FileRecord) {
		f.Tags = slices.Clone(tags)
		if f.Tags == nil {
			f.Tags = []string{}
		}
	})
}

func (r *fileRepo) SetExpiry(_ context.Context, recordID string, expiresAt *time.Time) error {
	return r.modify(recordID, func(f *model.FileRecord) {
		f.ExpiresAt = nil
		if expiresAt != nil {
			t := *expiresAt
			f.ExpiresAt = &t
		}
		f.ExpiryWarned = false
	})
}

// modify заменяет запись изменённой копией с возможностью отката.
func (r *fileRepo) modify(recordID string, change func(f *model.FileRecord)) error {
	defer r.m.acquire(r.tx)()

	prev, ok := r.m.files[recordID]
	if !ok {
		return repository.ErrNotFound
	}
	next := cloneFile(prev)
	change(next)
	r.m.files[recordID] = next
	onUndo(r.tx, func() { r.m.files[recordID] = prev })
	return nil
}

func (r *fileRepo) DeleteIfPresent(_ context.Context, recordID string) (*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	f, ok := r.m.files[recordID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(r.m.files, recordID)
	onUndo(r.tx, func() { r.m.files[recordID] = f })

	// Каскад как в схеме БД: индекс и коды не переживают запись.
	for key, id := range r.m.dedup {
		if id == recordID {
			delete(r.m.dedup, key)
			onUndo(r.tx, func() { r.m.dedup[key] = id })
		}
	}
	for code, g := range r.m.grants {
		if g.RecordID == recordID {
			delete(r.m.grants, code)
			onUndo(r.tx, func() { r.m.grants[code] = g })
		}
	}
	return cloneFile(f), nil
}

func byExpiry(a, b *model.FileRecord) int {
	return a.ExpiresAt.Compare(*b.ExpiresAt)
}

func (r *fileRepo) QueryExpired(_ context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	list := r.collect(func(f *model.FileRecord) bool { return f.IsExpired(now) }, byExpiry)
	return r.views(page(list, limit, 0)), nil
}

func (r *fileRepo) QueryExpiring(_ context.Context, now, until time.Time, limit int) ([]*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	list := r.collect(func(f *model.FileRecord) bool {
		return f.ExpiresAt != nil && f.ExpiresAt.After(now) && !f.ExpiresAt.After(until) && !f.ExpiryWarned
	}, byExpiry)
	return r.views(page(list, limit, 0)), nil
}

func (r *fileRepo) MarkExpiryWarned(_ context.Context, recordID string) error {
	return r.modify(recordID, func(f *model.FileRecord) { f.ExpiryWarned = true })
}

func (r *fileRepo) Stats(_ context.Context) (*model.StorageStats, error) {
	defer r.m.acquire(r.tx)()

	s := &model.StorageStats{}
	owners := make(map[string]struct{})
	for _, f := range r.m.files {
		s.TotalFiles++
		s.TotalBytes += f.Size
		owners[f.OwnerID] = struct{}{}
	}
	s.TotalOwners = int64(len(owners))
	return s, nil
}
