package memstore

import (
	"bytes"
	"context"
	"time"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type sessionRepo struct {
	m *memory
}

func (r *sessionRepo) SetToken(_ context.Context, userID string, secretHash []byte, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	r.m.sessions[userID] = &model.SessionToken{
		UserID:     userID,
		SecretHash: bytes.Clone(secretHash),
		UpdatedAt:  now,
	}
	return nil
}

func (r *sessionRepo) Get(_ context.Context, userID string) (*model.SessionToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	s, ok := r.m.sessions[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *s
	c.SecretHash = bytes.Clone(s.SecretHash)
	if s.VerifiedUntil != nil {
		t := *s.VerifiedUntil
		c.VerifiedUntil = &t
	}
	return &c, nil
}

func (r *sessionRepo) MarkVerified(_ context.Context, userID string, secretHash []byte, until, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	s, ok := r.m.sessions[userID]
	if !ok || !bytes.Equal(s.SecretHash, secretHash) {
		return repository.ErrNotFound
	}
	s.VerifiedUntil = &until
	s.UpdatedAt = now
	return nil
}
