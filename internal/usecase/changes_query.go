package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
)

var ErrHistoryDisabled = errors.New("changes history is not configured")

// ChangesSnapshotter computes current changes on demand.
type ChangesSnapshotter interface {
	RequestAllPairsChanges() []models.PriceChanges
}

// LatestChangesStore holds the most recent published batch per pair.
type LatestChangesStore interface {
	Latest(ctx context.Context, pair string) ([]models.PriceChanges, error)
}

const (
	SortAbsRelative = "abs_relative"
	SortAbsPercent  = "abs_percent"
	SortPair        = "pair"
)

// ChangesQuery serves read paths over live, cached and historical changes.
type ChangesQuery struct {
	live    ChangesSnapshotter
	latest  LatestChangesStore
	history drepo.ChangesHistory
}

func NewChangesQuery(live ChangesSnapshotter, latest LatestChangesStore, history drepo.ChangesHistory) *ChangesQuery {
	return &ChangesQuery{live: live, latest: latest, history: history}
}

// List returns live changes, optionally for a single window, ordered by sortBy.
func (q *ChangesQuery) List(period int64, sortBy string, limit int) []models.PriceChanges {
	all := q.live.RequestAllPairsChanges()
	out := all[:0]
	for _, pc := range all {
		if period > 0 && pc.PeriodSeconds != period {
			continue
		}
		out = append(out, pc)
	}
	SortChanges(out, sortBy)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortChanges orders changes in place. Unknown keys fall back to SortAbsRelative.
func SortChanges(changes []models.PriceChanges, sortBy string) {
	switch sortBy {
	case SortPair:
		sort.SliceStable(changes, func(i, j int) bool {
			if changes[i].Pair != changes[j].Pair {
				return changes[i].Pair < changes[j].Pair
			}
			return changes[i].PeriodSeconds < changes[j].PeriodSeconds
		})
	case SortAbsPercent:
		sort.SliceStable(changes, func(i, j int) bool {
			return math.Abs(changes[i].PercentChange()) > math.Abs(changes[j].PercentChange())
		})
	default:
		// changes without a baseline go last
		sort.SliceStable(changes, func(i, j int) bool {
			a, b := changes[i].RelativePriceChange, changes[j].RelativePriceChange
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			}
			return math.Abs(*a) > math.Abs(*b)
		})
	}
}

// Latest reads the last published batch of pair, optionally narrowed to one window.
func (q *ChangesQuery) Latest(ctx context.Context, pair string, period int64) ([]models.PriceChanges, error) {
	if pair == "" {
		return nil, fmt.Errorf("pair required")
	}
	changes, err := q.latest.Latest(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("latest changes: %w", err)
	}
	if period <= 0 {
		return changes, nil
	}
	out := make([]models.PriceChanges, 0, 1)
	for _, pc := range changes {
		if pc.PeriodSeconds == period {
			out = append(out, pc)
		}
	}
	return out, nil
}

type HistoryParams struct {
	Pair  string
	From  time.Time
	To    time.Time
	Limit int
}

func (q *ChangesQuery) History(ctx context.Context, p HistoryParams) ([]models.PriceChanges, error) {
	if q.history == nil {
		return nil, ErrHistoryDisabled
	}
	if p.Pair == "" {
		return nil, fmt.Errorf("pair required")
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 || p.Limit > 10000 {
		p.Limit = 10000
	}
	res, err := q.history.Query(ctx, p.Pair, p.From, p.To, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return res, nil
}
