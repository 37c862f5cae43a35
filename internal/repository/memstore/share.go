package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type shareRepo struct {
	m  *memory
	tx *undoLog
}

func (r *shareRepo) Create(_ context.Context, g *model.ShareGrant) error {
	defer r.m.acquire(r.tx)()

	if _, ok := r.m.grants[g.Code]; ok {
		return fmt.Errorf("%w: код %s уже выдан", repository.ErrConflict, g.Code)
	}
	if _, ok := r.m.files[g.RecordID]; !ok {
		return fmt.Errorf("%w: запись %s", repository.ErrNotFound, g.RecordID)
	}
	stored := cloneGrant(g)
	stored.UseCount = 0
	r.m.grants[g.Code] = stored
	onUndo(r.tx, func() { delete(r.m.grants, g.Code) })
	return nil
}

func (r *shareRepo) Get(_ context.Context, code string) (*model.ShareGrant, error) {
	defer r.m.acquire(r.tx)()

	g, ok := r.m.grants[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (r *shareRepo) FindReusable(_ context.Context, recordID string) (*model.ShareGrant, error) {
	defer r.m.acquire(r.tx)()

	var latest *model.ShareGrant
	for _, g := range r.m.grants {
		if g.RecordID != recordID || g.SingleUse || g.ExpiresAt != nil {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return cloneGrant(latest), nil
}

func (r *shareRepo) Consume(_ context.Context, code string, now time.Time) (*model.ShareGrant, error) {
	defer r.m.acquire(r.tx)()

	g, ok := r.m.grants[code]
	if !ok || g.IsExpired(now) {
		return nil, repository.ErrNotFound
	}
	if g.SingleUse && g.IsConsumed() {
		return nil, repository.ErrNotFound
	}

	prev := cloneGrant(g)
	g.UseCount++
	if g.SingleUse {
		at := now
		g.ConsumedAt = &at
	}
	onUndo(r.tx, func() { r.m.grants[code] = prev })
	return cloneGrant(g), nil
}

func (r *shareRepo) DeleteByRecord(_ context.Context, recordID string) (int64, error) {
	defer r.m.acquire(r.tx)()

	var n int64
	for code, g := range r.m.grants {
		if g.RecordID == recordID {
			delete(r.m.grants, code)
			onUndo(r.tx, func() { r.m.grants[code] = g })
			n++
		}
	}
	return n, nil
}

func (r *shareRepo) DeleteExpired(_ context.Context, now, consumedBefore time.Time) (int64, error) {
	defer r.m.acquire(r.tx)()

	var n int64
	for code, g := range r.m.grants {
		if g.IsExpired(now) || (g.IsConsumed() && !g.ConsumedAt.After(consumedBefore)) {
			delete(r.m.grants, code)
			onUndo(r.tx, func() { r.m.grants[code] = g })
			n++
		}
	}
	return n, nil
}
