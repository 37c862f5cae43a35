package memstore

import (
	"context"
	"fmt"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type dedupRepo struct {
	m  *memory
	tx *undoLog
}

func (r *dedupRepo) FindDuplicate(_ context.Context, ownerID, fingerprint string) (*model.FileRecord, error) {
	defer r.m.acquire(r.tx)()

	id, ok := r.m.dedup[dedupKey{ownerID, fingerprint}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	f, ok := r.m.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return (&fileRepo{m: r.m}).view(f), nil
}

func (r *dedupRepo) Register(_ context.Context, ownerID, fingerprint, recordID string) error {
	defer r.m.acquire(r.tx)()

	key := dedupKey{ownerID, fingerprint}
	if _, ok := r.m.dedup[key]; ok {
		return fmt.Errorf("%w: содержимое уже загружено владельцем", repository.ErrConflict)
	}
	if _, ok := r.m.files[recordID]; !ok {
		return fmt.Errorf("%w: запись %s", repository.ErrNotFound, recordID)
	}
	r.m.dedup[key] = recordID
	onUndo(r.tx, func() { delete(r.m.dedup, key) })
	return nil
}

func (r *dedupRepo) Unregister(_ context.Context, ownerID, fingerprint string) error {
	defer r.m.acquire(r.tx)()

	key := dedupKey{ownerID, fingerprint}
	if id, ok := r.m.dedup[key]; ok {
		delete(r.m.dedup, key)
		onUndo(r.tx, func() { r.m.dedup[key] = id })
	}
	return nil
}
