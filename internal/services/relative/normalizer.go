// Package relative expresses raw price moves in units of recent candle volatility.
package relative

import (
	"math"
	"sync"

	"CoinPulse/internal/domain/models"
	applogger "CoinPulse/pkg/logger"
)

// MinCandleChange drops candles whose range is not above lastClose*MinCandleChange.
const MinCandleChange = 0.0001

// Baseline is the volatility unit of one (pair, period).
type Baseline struct {
	HighLowDiff          float64 `json:"high_low_diff"`
	HighLowDiffRelStdDev float64 `json:"high_low_diff_rel_stddev"`
}

type Normalizer struct {
	estimator Estimator
	logger    *applogger.Logger

	mu        sync.RWMutex
	baselines map[models.PairPeriod]Baseline
}

func NewNormalizer(estimator Estimator, logger *applogger.Logger) *Normalizer {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &Normalizer{
		estimator: estimator,
		logger:    logger,
		baselines: make(map[models.PairPeriod]Baseline),
	}
}

// Update recomputes baselines from a candle snapshot. Entries whose candles
// are all filtered out keep their previous baseline.
func (n *Normalizer) Update(snapshot models.CandleSnapshot) {
	updated := 0
	for pp, candles := range snapshot {
		b, ok := n.compute(candles)
		if !ok {
			continue
		}
		n.mu.Lock()
		n.baselines[pp] = b
		n.mu.Unlock()
		updated++
	}
	n.logger.Debug("relative baselines updated",
		applogger.Int("entries", len(snapshot)),
		applogger.Int("updated", updated),
		applogger.String("estimator", n.estimator.String()),
	)
}

func (n *Normalizer) compute(candles []models.Candle) (Baseline, bool) {
	if len(candles) == 0 {
		return Baseline{}, false
	}
	lastClose := candles[len(candles)-1].Close
	threshold := lastClose * MinCandleChange

	ranges := make([]float64, 0, len(candles))
	weights := make([]float64, 0, len(candles))
	for _, c := range candles {
		r := math.Abs(c.High - c.Low)
		if r > threshold {
			ranges = append(ranges, r)
			weights = append(weights, c.Volume)
		}
	}
	if len(ranges) == 0 {
		return Baseline{}, false
	}
	diff := n.estimator.estimate(ranges, weights)
	if diff == 0 || math.IsNaN(diff) {
		return Baseline{}, false
	}
	return Baseline{
		HighLowDiff:          diff,
		HighLowDiffRelStdDev: sampleStdDev(ranges) / diff,
	}, true
}

// Baseline returns the current baseline for pp.
func (n *Normalizer) Baseline(pp models.PairPeriod) (Baseline, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.baselines[pp]
	return b, ok
}

// SetRelativeChange attaches relative fields to pc when a baseline exists.
func (n *Normalizer) SetRelativeChange(pc *models.PriceChanges) {
	b, ok := n.Baseline(models.PairPeriod{Pair: pc.Pair, Period: pc.PeriodSeconds})
	if !ok {
		return
	}
	pc.SetRelative(b.HighLowDiff, b.HighLowDiffRelStdDev)
}

func (n *Normalizer) SetRelativeChanges(pcs []models.PriceChanges) {
	for i := range pcs {
		n.SetRelativeChange(&pcs[i])
	}
}
