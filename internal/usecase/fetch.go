package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"CoinPulse/internal/domain/models"
	applogger "CoinPulse/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// retry runs fn until it succeeds, waiting RetryInterval between attempts.
// It gives up only when the engine stops or ctx is cancelled, and then
// returns errStopped.
func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error, onErr func(error)) error {
	attempt := func() error {
		if e.lc.isStopped() {
			return backoff.Permanent(errStopped)
		}
		start := time.Now()
		err := fn(ctx)
		e.metrics.RecordLatency(op, time.Since(start).Seconds())
		if err != nil && (e.lc.isStopped() || ctx.Err() != nil) {
			return backoff.Permanent(errStopped)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.RecordRetry(op)
		e.logger.Warn("operation failed, retrying",
			applogger.String("operation", op),
			applogger.Duration("wait", wait),
			applogger.Error(err),
		)
		if onErr != nil {
			onErr(err)
		}
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(e.cfg.RetryInterval), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return errStopped
	}
	return nil
}

// fetchPairsData resolves the pair universe and loads chart data for it.
// A concurrent call is refused with errBusy.
func (e *Engine) fetchPairsData() error {
	if !e.lc.fetchLock.TryLock() {
		e.logger.Warn("fetching pairs data already in progress")
		return errBusy
	}
	defer e.lc.fetchLock.Unlock()

	ctx, cancel := context.WithCancel(e.runContext())
	defer cancel()
	e.mu.Lock()
	e.fetchCancel = cancel
	periods := append([]models.PeriodNumCandles(nil), e.periods...)
	e.mu.Unlock()

	e.lc.transition(StateFetchingPairs)
	pairs, err := e.resolvePairs(ctx)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		e.lc.transition(StateNoPairs)
		e.message(models.NewEngineMessage(models.MsgNoPairs, "Got 0 currency pairs"))
		return ErrNoPairs
	}
	e.mu.Lock()
	e.pairs = pairs
	e.mu.Unlock()
	e.info(fmt.Sprintf("Selected %d pairs: %s", len(pairs), e.formatPairs(pairs)))
	if e.lc.isStopped() {
		return errStopped
	}

	e.lc.transition(StateFetchingChartData)
	e.info("Getting chart data...")
	chart := e.exchange.NewChartDataSource(pairs, periods)
	chart.Subscribe(e.normalizer.Update)
	e.mu.Lock()
	for _, sub := range e.chartSubscribers {
		chart.Subscribe(sub)
	}
	e.chart = chart
	e.mu.Unlock()

	progress := e.progressReporter("Getting chart data...")
	err = e.retry(ctx, "fetch_chart_data", func(ctx context.Context) error {
		return chart.RefreshData(ctx, progress)
	}, func(error) {
		e.failure("Error getting chart data")
	})
	if err != nil || e.lc.isStopped() {
		return errStopped
	}
	e.info("Successfully fetched chart data")

	if e.cfg.InitWithLowerPeriodChartData {
		return e.bootstrapTickers(ctx, pairs, periods)
	}
	return nil
}

func (e *Engine) resolvePairs(ctx context.Context) ([]string, error) {
	if len(e.cfg.Criteria) == 0 {
		return mergePairs(e.cfg.Pairs, nil, e.cfg.Blacklist), nil
	}
	e.info("Getting currency pairs...")
	var resolved []string
	err := e.retry(ctx, "get_pairs", func(ctx context.Context) error {
		p, err := e.exchange.PairResolver().Pairs(ctx, e.cfg.Criteria, e.cfg.Pairs, e.cfg.Blacklist)
		if err != nil {
			return err
		}
		resolved = p
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	pairs := mergePairs(e.cfg.Pairs, resolved, e.cfg.Blacklist)
	if len(pairs) > 0 {
		e.info("Got currency pairs")
	}
	return pairs, nil
}

// mergePairs returns manual ∪ resolved − blacklist, manual pairs first, without duplicates.
func mergePairs(manual, resolved, blacklist []string) []string {
	banned := make(map[string]struct{}, len(blacklist))
	for _, b := range blacklist {
		banned[b] = struct{}{}
	}
	seen := make(map[string]struct{}, len(manual)+len(resolved))
	out := make([]string, 0, len(manual)+len(resolved))
	for _, list := range [][]string{manual, resolved} {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, ok := banned[p]; ok {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) formatPairs(pairs []string) string {
	formatted := make([]string, len(pairs))
	for i, p := range pairs {
		formatted[i] = e.exchange.FormatPair(p)
	}
	return strings.Join(formatted, ", ")
}

// progressReporter emits a progress message whenever the whole percentage advances.
func (e *Engine) progressReporter(msg string) func(float64) {
	last := -1.0
	return func(pct float64) {
		p := math.Floor(pct)
		if p <= last {
			return
		}
		last = p
		e.message(models.NewProgressMessage(msg, pct))
	}
}

// bootstrapTickers seeds the detector from candles before live tickers arrive.
// A finer venue period is fetched when one exists within maxBootstrapMultiplier
// of the smallest window; otherwise the smallest window's candles are used.
func (e *Engine) bootstrapTickers(ctx context.Context, pairs []string, periods []models.PeriodNumCandles) error {
	_, maxPeriod := periodBounds(periods)
	if extra, ok := e.lowerPeriodCandidate(periods); ok {
		e.lc.transition(StateFetchingAdditionalChartData)
		e.info("Getting additional chart data...")
		initChart := e.exchange.NewChartDataSource(pairs, []models.PeriodNumCandles{extra})
		initChart.Subscribe(func(s models.CandleSnapshot) {
			e.handleAdditionalChartData(s, maxPeriod)
		})
		e.mu.Lock()
		e.initChart = initChart
		e.mu.Unlock()

		err := e.retry(ctx, "fetch_additional_chart_data", func(ctx context.Context) error {
			return initChart.RefreshData(ctx, func(float64) {})
		}, func(error) {
			e.failure("Error getting additional chart data")
		})
		if err != nil {
			return errStopped
		}
	} else {
		e.logger.Debug("using lowest period chart data as tickers")
		e.useLowestPeriodCandlesAsTickers(periods, maxPeriod)
	}
	if e.lc.isStopped() {
		return errStopped
	}
	e.info("Successfully fetched additional chart data")
	return nil
}

func periodBounds(periods []models.PeriodNumCandles) (lo, hi int64) {
	for i, p := range periods {
		if i == 0 || p.Period < lo {
			lo = p.Period
		}
		if p.Period > hi {
			hi = p.Period
		}
	}
	return lo, hi
}

func (e *Engine) lowerPeriodCandidate(periods []models.PeriodNumCandles) (models.PeriodNumCandles, bool) {
	available := e.exchange.AvailablePeriods()
	if len(available) == 0 || len(periods) == 0 {
		return models.PeriodNumCandles{}, false
	}
	minAvailable := available[0]
	for _, p := range available[1:] {
		if p < minAvailable {
			minAvailable = p
		}
	}
	minPeriod, maxPeriod := periodBounds(periods)
	if minAvailable <= 0 || minAvailable >= minPeriod {
		return models.PeriodNumCandles{}, false
	}
	if float64(minPeriod)/float64(minAvailable) >= maxBootstrapMultiplier {
		return models.PeriodNumCandles{}, false
	}
	return models.PeriodNumCandles{Period: minAvailable, NumCandles: int(maxPeriod / minAvailable)}, true
}

func (e *Engine) useLowestPeriodCandlesAsTickers(periods []models.PeriodNumCandles, maxPeriod int64) {
	chart := e.chartSource()
	if chart == nil {
		return
	}
	minPeriod, _ := periodBounds(periods)
	e.handleAdditionalChartData(chart.AllCandlesForPeriod(minPeriod), maxPeriod)
}

// handleAdditionalChartData turns each recent candle into two synthetic
// tickers: its open at the candle start and its close at the candle end.
func (e *Engine) handleAdditionalChartData(snapshot models.CandleSnapshot, maxPeriod int64) {
	now := e.now().Unix()
	for pp, candles := range snapshot {
		tickers := make([]models.Ticker, 0, 2*len(candles))
		for _, c := range candles {
			if c.Timestamp <= now-maxPeriod {
				continue
			}
			tickers = append(tickers,
				models.Ticker{Pair: pp.Pair, Value: c.Open, Timestamp: c.Timestamp},
				models.Ticker{Pair: pp.Pair, Value: c.Close, Timestamp: c.Timestamp + pp.Period},
			)
		}
		if len(tickers) > 0 {
			e.handleTickers(tickers, true)
		}
	}
}

// abortFetch interrupts any in-flight chart fetch, including its retry wait.
func (e *Engine) abortFetch() {
	e.mu.RLock()
	cancel, chart, initChart := e.fetchCancel, e.chart, e.initChart
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if chart != nil {
		e.logger.Debug("aborting chart data source")
		chart.Abort()
	}
	if initChart != nil {
		initChart.Abort()
	}
}
