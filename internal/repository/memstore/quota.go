package memstore

import (
	"cmp"
	"context"
	"slices"

	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/repository"
)

type quotaRepo struct {
	m *memory
}

func (r *quotaRepo) GetLimits(_ context.Context, userID string) (*model.QuotaLimits, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	l, ok := r.m.limits[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (r *quotaRepo) SetLimits(_ context.Context, userID string, limits model.QuotaLimits) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	r.m.limits[userID] = limits
	return nil
}

// CheckAndConsume: проверка и списание под одной блокировкой.
func (r *quotaRepo) CheckAndConsume(_ context.Context, userID, day string, bytes int64, limits model.QuotaLimits) (*model.QuotaDecision, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	key := counterKey{userID, day}
	c, ok := r.m.counters[key]
	if !ok {
		c = &model.QuotaCounter{UserID: userID, Day: day}
	}

	fitsBytes := limits.BandwidthLimit == 0 || c.BytesUsed+bytes <= limits.BandwidthLimit
	fitsCount := limits.DownloadLimit == 0 || c.DownloadCount+1 <= limits.DownloadLimit
	if !fitsBytes || !fitsCount {
		return &model.QuotaDecision{Reason: repository.DenyReason(c, bytes, limits)}, nil
	}

	c.BytesUsed += bytes
	c.DownloadCount++
	r.m.counters[key] = c

	snapshot := *c
	return &model.QuotaDecision{Allowed: true, Counter: &snapshot}, nil
}

func (r *quotaRepo) GetCounter(_ context.Context, userID, day string) (*model.QuotaCounter, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if c, ok := r.m.counters[counterKey{userID, day}]; ok {
		snapshot := *c
		return &snapshot, nil
	}
	return &model.QuotaCounter{UserID: userID, Day: day}, nil
}

func (r *quotaRepo) ListCounters(_ context.Context, day string, limit int) ([]*model.QuotaCounter, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	result := make([]*model.QuotaCounter, 0)
	for key, c := range r.m.counters {
		if key.day == day {
			snapshot := *c
			result = append(result, &snapshot)
		}
	}
	slices.SortFunc(result, func(a, b *model.QuotaCounter) int {
		if c := cmp.Compare(b.BytesUsed, a.BytesUsed); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if limit >= 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *quotaRepo) ResetCounter(_ context.Context, userID, day string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	delete(r.m.counters, counterKey{userID, day})
	return nil
}
