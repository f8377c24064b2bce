// Package detector keeps a bounded per-pair ticker history and reports
// windowed extrema on demand.
package detector

import (
	"fmt"
	"sort"
	"sync"

	"CoinPulse/internal/domain/models"
)

// Detector tracks tickers per pair for a fixed, ascending set of windows.
// Operations on one pair are serialized; different pairs never contend
// beyond the map lookup.
type Detector struct {
	windows    []int64
	multiplier int64

	mu     sync.RWMutex
	series map[string]*pairSeries
}

type pairSeries struct {
	mu      sync.Mutex
	tickers []models.Ticker
}

type Option func(*Detector)

// WithTimeframeMultiplier scales every window by m.
func WithTimeframeMultiplier(m int64) Option {
	return func(d *Detector) {
		if m > 0 {
			d.multiplier = m
		}
	}
}

// New creates a detector for the given windows (seconds).
func New(windows []int64, opts ...Option) (*Detector, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("detector: no windows configured")
	}
	ws := make([]int64, len(windows))
	copy(ws, windows)
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	for i, w := range ws {
		if w <= 0 {
			return nil, fmt.Errorf("detector: window must be positive, got %d", w)
		}
		if i > 0 && ws[i-1] == w {
			return nil, fmt.Errorf("detector: duplicate window %d", w)
		}
	}
	d := &Detector{
		windows:    ws,
		multiplier: 1,
		series:     make(map[string]*pairSeries),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Windows returns the configured windows in ascending order.
func (d *Detector) Windows() []int64 {
	out := make([]int64, len(d.windows))
	copy(out, d.windows)
	return out
}

func (d *Detector) seriesFor(pair string, create bool) *pairSeries {
	d.mu.RLock()
	s, ok := d.series[pair]
	d.mu.RUnlock()
	if ok || !create {
		return s
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok = d.series[pair]; !ok {
		s = &pairSeries{}
		d.series[pair] = s
	}
	return s
}

// InsertTicker appends t to its pair's series. Pruning happens on check.
func (d *Detector) InsertTicker(t models.Ticker) {
	s := d.seriesFor(t.Pair, true)
	s.mu.Lock()
	s.tickers = append(s.tickers, t)
	s.mu.Unlock()
}

// CheckTicker inserts t and checks its pair.
func (d *Detector) CheckTicker(t models.Ticker) ([]models.PriceChanges, bool) {
	d.InsertTicker(t)
	return d.CheckChanges(t.Pair)
}

// CheckChanges prunes the pair's series and computes one PriceChanges per
// window, using the last inserted ticker's timestamp as "now". A window w
// covers [now-w*multiplier, now]. Windows with no samples are omitted.
// The bool is false for unknown pairs.
func (d *Detector) CheckChanges(pair string) ([]models.PriceChanges, bool) {
	s := d.seriesFor(pair, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tickers) == 0 {
		return nil, false
	}

	last := s.tickers[len(s.tickers)-1]
	now := last.Timestamp
	s.prune(now - d.windows[len(d.windows)-1]*d.multiplier)

	out := make([]models.PriceChanges, 0, len(d.windows))
	for _, w := range d.windows {
		pc, ok := windowChanges(s.tickers, pair, w, now-w*d.multiplier, last)
		if ok {
			out = append(out, pc)
		}
	}
	return out, true
}

// prune drops tickers older than cutoff, keeping insertion order.
func (s *pairSeries) prune(cutoff int64) {
	kept := s.tickers[:0]
	for _, t := range s.tickers {
		if t.Timestamp >= cutoff {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.tickers); i++ {
		s.tickers[i] = models.Ticker{}
	}
	s.tickers = kept
}

func windowChanges(tickers []models.Ticker, pair string, window, from int64, last models.Ticker) (models.PriceChanges, bool) {
	minIdx, maxIdx := -1, -1
	for i, t := range tickers {
		// the lower bound is inclusive
		if t.Timestamp < from {
			continue
		}
		// strict comparisons: the first extremal element wins ties
		if minIdx < 0 || t.Value < tickers[minIdx].Value {
			minIdx = i
		}
		if maxIdx < 0 || t.Value > tickers[maxIdx].Value {
			maxIdx = i
		}
	}
	if minIdx < 0 {
		return models.PriceChanges{}, false
	}
	minT, maxT := tickers[minIdx], tickers[maxIdx]

	maxAfterMin := minT
	minAfterMax := maxT
	foundMax, foundMin := false, false
	for _, t := range tickers {
		if t.Timestamp < from {
			continue
		}
		if t.Timestamp > minT.Timestamp && (!foundMax || t.Value > maxAfterMin.Value) {
			maxAfterMin = t
			foundMax = true
		}
		if t.Timestamp > maxT.Timestamp && (!foundMin || t.Value < minAfterMax.Value) {
			minAfterMax = t
			foundMin = true
		}
	}

	return models.PriceChanges{
		Pair:                 pair,
		PeriodSeconds:        window,
		LastPrice:            last.Value,
		LastPriceTimestamp:   last.Timestamp,
		MinPrice:             minT.Value,
		MinPriceTimestamp:    minT.Timestamp,
		MaxPrice:             maxT.Value,
		MaxPriceTimestamp:    maxT.Timestamp,
		MaxAfterMinPrice:     maxAfterMin.Value,
		MaxAfterMinTimestamp: maxAfterMin.Timestamp,
		MinAfterMaxPrice:     minAfterMax.Value,
		MinAfterMaxTimestamp: minAfterMax.Timestamp,
	}, true
}

// Pairs returns every pair that has received at least one ticker.
func (d *Detector) Pairs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.series))
	for p := range d.series {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasntReceivedAnyTickers reports whether no ticker was ever inserted.
func (d *Detector) HasntReceivedAnyTickers() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.series) == 0
}
