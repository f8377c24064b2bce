package chartdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
	"CoinPulse/pkg/logger"
)

// ErrAborted is returned by RefreshData when Abort interrupted the fetch.
var ErrAborted = errors.New("chart data refresh aborted")

// CandleFetcher loads closed candles from a venue, oldest first.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, pair string, period int64, limit int) ([]models.Candle, error)
}

type Option func(*Provider)

// WithConcurrency bounds parallel fetches during RefreshData.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// Provider keeps the most recent closed candles per (pair, period). Candles
// are loaded in bulk by RefreshData and then rolled forward from tickers.
type Provider struct {
	fetcher     CandleFetcher
	pairs       []string
	numCandles  map[int64]int
	periods     []int64
	concurrency int
	logger      *logger.Logger

	mu      sync.RWMutex
	candles models.CandleSnapshot
	forming map[models.PairPeriod]*models.Candle
	subs    []drepo.CandleSubscriber

	abortMu sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

var _ drepo.ChartDataSource = (*Provider)(nil)

func New(fetcher CandleFetcher, pairs []string, periods []models.PeriodNumCandles, opts ...Option) *Provider {
	p := &Provider{
		fetcher:     fetcher,
		pairs:       append([]string(nil), pairs...),
		numCandles:  make(map[int64]int),
		concurrency: 4,
		logger:      logger.Nop(),
		candles:     make(models.CandleSnapshot),
		forming:     make(map[models.PairPeriod]*models.Candle),
	}
	for _, pn := range periods {
		if pn.Period <= 0 || pn.NumCandles <= 0 {
			continue
		}
		if _, ok := p.numCandles[pn.Period]; !ok {
			p.periods = append(p.periods, pn.Period)
		}
		if pn.NumCandles > p.numCandles[pn.Period] {
			p.numCandles[pn.Period] = pn.NumCandles
		}
	}
	sort.Slice(p.periods, func(i, j int) bool { return p.periods[i] < p.periods[j] })
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Subscribe(fn drepo.CandleSubscriber) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

type fetchJob struct {
	pp    models.PairPeriod
	limit int
}

type fetchResult struct {
	pp      models.PairPeriod
	candles []models.Candle
	err     error
}

// RefreshData replaces all chart data with a fresh fetch. On failure the
// previous data is kept. Subscribers receive the full snapshot on success.
func (p *Provider) RefreshData(ctx context.Context, progress func(percent float64)) error {
	ctx, cancel := context.WithCancel(ctx)
	p.abortMu.Lock()
	p.cancel = cancel
	p.aborted = false
	p.abortMu.Unlock()
	defer func() {
		p.abortMu.Lock()
		p.cancel = nil
		p.abortMu.Unlock()
		cancel()
	}()

	var jobs []fetchJob
	for _, pair := range p.pairs {
		for _, period := range p.periods {
			jobs = append(jobs, fetchJob{
				pp:    models.PairPeriod{Pair: pair, Period: period},
				limit: p.numCandles[period],
			})
		}
	}
	total := len(jobs)

	jobCh := make(chan fetchJob)
	resCh := make(chan fetchResult)
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				cs, err := p.fetcher.FetchCandles(ctx, j.pp.Pair, j.pp.Period, j.limit)
				select {
				case resCh <- fetchResult{pp: j.pp, candles: cs, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case jobCh <- j:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(resCh)
	}()

	fresh := make(models.CandleSnapshot, total)
	var firstErr error
	done := 0
	for r := range resCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s: %w", r.pp, r.err)
				cancel()
			}
			continue
		}
		fresh[r.pp] = trimCandles(r.candles, p.numCandles[r.pp.Period])
		done++
		if progress != nil && total > 0 {
			progress(100 * float64(done) / float64(total))
		}
	}

	p.abortMu.Lock()
	aborted := p.aborted
	p.abortMu.Unlock()
	switch {
	case aborted:
		return ErrAborted
	case firstErr != nil:
		return firstErr
	case ctx.Err() != nil:
		return ctx.Err()
	}

	p.mu.Lock()
	p.candles = fresh
	p.forming = make(map[models.PairPeriod]*models.Candle)
	subs := append([]drepo.CandleSubscriber(nil), p.subs...)
	snapshot := copySnapshot(fresh)
	p.mu.Unlock()

	p.logger.Debug("chart data refreshed",
		logger.Int("pairs", len(p.pairs)),
		logger.Int("series", len(fresh)))
	for _, fn := range subs {
		fn(snapshot)
	}
	return nil
}

// Abort interrupts an in-flight RefreshData.
func (p *Provider) Abort() {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	if p.cancel != nil {
		p.aborted = true
		p.cancel()
	}
}

func (p *Provider) Candles(pp models.PairPeriod) []models.Candle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.Candle(nil), p.candles[pp]...)
}

func (p *Provider) AllCandlesForPeriod(period int64) models.CandleSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(models.CandleSnapshot)
	for pp, cs := range p.candles {
		if pp.Period == period {
			out[pp] = append([]models.Candle(nil), cs...)
		}
	}
	return out
}

// InsertTicker rolls the forming candle of every period of t.Pair. A ticker
// opening a new bucket closes the previous one, and subscribers receive the
// closed series. Tickers older than the forming bucket are ignored.
func (p *Provider) InsertTicker(t models.Ticker) {
	closed := make(models.CandleSnapshot)

	p.mu.Lock()
	for _, period := range p.periods {
		pp := models.PairPeriod{Pair: t.Pair, Period: period}
		start := t.Timestamp - t.Timestamp%period
		cur := p.forming[pp]

		if cur == nil {
			if last := p.lastClosed(pp); last != nil && start <= last.Timestamp {
				continue
			}
			p.forming[pp] = newCandle(start, t)
			continue
		}
		switch {
		case start == cur.Timestamp:
			cur.Close = t.Value
			if t.Value > cur.High {
				cur.High = t.Value
			}
			if t.Value < cur.Low {
				cur.Low = t.Value
			}
			cur.Volume += t.Quantity
		case start > cur.Timestamp:
			p.candles[pp] = trimCandles(append(p.candles[pp], *cur), p.numCandles[period])
			closed[pp] = append([]models.Candle(nil), p.candles[pp]...)
			p.forming[pp] = newCandle(start, t)
		}
	}
	var subs []drepo.CandleSubscriber
	if len(closed) > 0 {
		subs = append(subs, p.subs...)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(closed)
	}
}

func (p *Provider) lastClosed(pp models.PairPeriod) *models.Candle {
	cs := p.candles[pp]
	if len(cs) == 0 {
		return nil
	}
	return &cs[len(cs)-1]
}

func newCandle(ts int64, t models.Ticker) *models.Candle {
	v := t.Value
	return &models.Candle{Timestamp: ts, Open: v, High: v, Low: v, Close: v, Volume: t.Quantity}
}

func trimCandles(cs []models.Candle, n int) []models.Candle {
	if n > 0 && len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	return append([]models.Candle(nil), cs...)
}

func copySnapshot(s models.CandleSnapshot) models.CandleSnapshot {
	out := make(models.CandleSnapshot, len(s))
	for pp, cs := range s {
		out[pp] = append([]models.Candle(nil), cs...)
	}
	return out
}
