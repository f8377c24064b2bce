package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	"CoinPulse/pkg/cache"
)

const snapshotPrefix = "changes"

// SnapshotStore keeps the latest changes of every (pair, window) in a cache.
// Entries live under changes:<pair>:<period>; changes:<pair>:periods indexes
// the windows written for a pair.
type SnapshotStore struct {
	cache cache.Service
	ttl   time.Duration
	name  string
}

// NewSnapshotStore creates the store. name distinguishes redis from the
// in-process cache in metrics.
func NewSnapshotStore(c cache.Service, ttl time.Duration, name string) *SnapshotStore {
	return &SnapshotStore{cache: c, ttl: ttl, name: name}
}

func (s *SnapshotStore) Name() string { return s.name }

func SnapshotKey(pair string, period int64) string {
	return cache.GenerateKeyWithParams(snapshotPrefix, pair, period)
}

func periodsKey(pair string) string {
	return cache.GenerateKeyWithParams(snapshotPrefix, pair, "periods")
}

func (s *SnapshotStore) Publish(ctx context.Context, pair string, changes []models.PriceChanges) error {
	if len(changes) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(changes)+1)
	periods := make([]int64, 0, len(changes))
	for _, pc := range changes {
		values[SnapshotKey(pair, pc.PeriodSeconds)] = pc
		periods = append(periods, pc.PeriodSeconds)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	values[periodsKey(pair)] = periods
	if err := s.cache.MSet(ctx, values, s.ttl); err != nil {
		return fmt.Errorf("snapshot %s: %w", pair, err)
	}
	return nil
}

// Latest returns the stored changes of pair ordered by window. A pair that
// was never written yields an empty slice.
func (s *SnapshotStore) Latest(ctx context.Context, pair string) ([]models.PriceChanges, error) {
	var periods []int64
	if err := s.cache.Get(ctx, periodsKey(pair), &periods); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return []models.PriceChanges{}, nil
		}
		return nil, err
	}
	keys := make([]string, len(periods))
	for i, p := range periods {
		keys[i] = SnapshotKey(pair, p)
	}
	found, err := cache.MGetTyped[models.PriceChanges](ctx, s.cache, keys...)
	if err != nil {
		return nil, err
	}
	out := make([]models.PriceChanges, 0, len(found))
	for _, k := range keys {
		if pc, ok := found[k]; ok {
			out = append(out, pc)
		}
	}
	return out, nil
}

// LatestForPeriod returns one window or cache.ErrCacheMiss.
func (s *SnapshotStore) LatestForPeriod(ctx context.Context, pair string, period int64) (models.PriceChanges, error) {
	var pc models.PriceChanges
	err := s.cache.Get(ctx, SnapshotKey(pair, period), &pc)
	return pc, err
}

var _ domrepo.ChangesSink = (*SnapshotStore)(nil)
