package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
)

type fakeResolver struct {
	mu    sync.Mutex
	pairs []string
	calls int
}

func (r *fakeResolver) Pairs(_ context.Context, _ []models.PairSelectionCriteria, _, _ []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return append([]string(nil), r.pairs...), nil
}

type fakeChart struct {
	mu       sync.Mutex
	periods  []models.PeriodNumCandles
	candles  models.CandleSnapshot
	subs     []domrepo.CandleSubscriber
	inserted []models.Ticker
	failN    int
	failAll  bool
	calls    atomic.Int32
	aborted  atomic.Int32
}

func (c *fakeChart) RefreshData(ctx context.Context, progress func(float64)) error {
	c.calls.Add(1)
	c.mu.Lock()
	if c.failAll || c.failN > 0 {
		if c.failN > 0 {
			c.failN--
		}
		c.mu.Unlock()
		return errors.New("chart unavailable")
	}
	subs := append([]domrepo.CandleSubscriber(nil), c.subs...)
	snapshot := c.candles
	c.mu.Unlock()

	progress(50)
	progress(100)
	for _, s := range subs {
		s(snapshot)
	}
	return nil
}

func (c *fakeChart) Subscribe(fn domrepo.CandleSubscriber) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

func (c *fakeChart) Candles(pp models.PairPeriod) []models.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candles[pp]
}

func (c *fakeChart) AllCandlesForPeriod(period int64) models.CandleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(models.CandleSnapshot)
	for pp, cs := range c.candles {
		if pp.Period == period {
			out[pp] = cs
		}
	}
	return out
}

func (c *fakeChart) InsertTicker(t models.Ticker) {
	c.mu.Lock()
	c.inserted = append(c.inserted, t)
	c.mu.Unlock()
}

func (c *fakeChart) insertedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inserted)
}

func (c *fakeChart) Abort() { c.aborted.Add(1) }

type fakeTicker struct {
	mu          sync.Mutex
	pairs       []string
	listener    domrepo.TickerListener
	connects    int
	disconnects int
}

func (t *fakeTicker) Connect(_ context.Context, l domrepo.TickerListener) error {
	t.mu.Lock()
	t.listener = l
	t.connects++
	t.mu.Unlock()
	l.OnConnectionState(models.Connected)
	return nil
}

func (t *fakeTicker) Disconnect() error {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnConnectionState(models.Disconnected)
	}
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	return nil
}

func (t *fakeTicker) emit(tk models.Ticker) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnTicker(tk)
}

func (t *fakeTicker) fail(err error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnError(err)
}

func (t *fakeTicker) state(s models.ConnectionState) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnConnectionState(s)
}

func (t *fakeTicker) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

type fakeExchange struct {
	mu       sync.Mutex
	periods  []int64
	resolver *fakeResolver
	// newChart prepares the n-th chart source (0-based); nil leaves it empty.
	newChart func(n int, c *fakeChart)
	charts   []*fakeChart
	tickers  []*fakeTicker
}

func (x *fakeExchange) Name() string              { return "fake" }
func (x *fakeExchange) AvailablePeriods() []int64 { return x.periods }

func (x *fakeExchange) PairResolver() domrepo.PairResolver { return x.resolver }

func (x *fakeExchange) NewChartDataSource(_ []string, periods []models.PeriodNumCandles) domrepo.ChartDataSource {
	x.mu.Lock()
	defer x.mu.Unlock()
	c := &fakeChart{periods: periods, candles: make(models.CandleSnapshot)}
	if x.newChart != nil {
		x.newChart(len(x.charts), c)
	}
	x.charts = append(x.charts, c)
	return c
}

func (x *fakeExchange) NewTickerSource(pairs []string) domrepo.TickerSource {
	x.mu.Lock()
	defer x.mu.Unlock()
	t := &fakeTicker{pairs: pairs}
	x.tickers = append(x.tickers, t)
	return t
}

func (x *fakeExchange) FormatPair(pair string) string {
	if strings.HasSuffix(pair, "USDT") {
		return strings.TrimSuffix(pair, "USDT") + "/USDT"
	}
	return pair
}

func (x *fakeExchange) chart(i int) *fakeChart {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i >= len(x.charts) {
		return nil
	}
	return x.charts[i]
}

func (x *fakeExchange) chartCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.charts)
}

func (x *fakeExchange) ticker(i int) *fakeTicker {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i >= len(x.tickers) {
		return nil
	}
	return x.tickers[i]
}

func (x *fakeExchange) tickerCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tickers)
}

// recorder collects everything the engine pushes out.
type recorder struct {
	mu         sync.Mutex
	messages   []models.EngineMessage
	changes    map[string]int
	last       map[string][]models.PriceChanges
	heartbeats int
}

func newRecorder() *recorder {
	return &recorder{changes: make(map[string]int), last: make(map[string][]models.PriceChanges)}
}

func (r *recorder) onChanges(_ context.Context, pair string, changes []models.PriceChanges) {
	r.mu.Lock()
	r.changes[pair]++
	r.last[pair] = changes
	r.mu.Unlock()
}

func (r *recorder) onMessage(m models.EngineMessage) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recorder) onHeartbeat(string) {
	r.mu.Lock()
	r.heartbeats++
	r.mu.Unlock()
}

func (r *recorder) changeCount(pair string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[pair]
}

func (r *recorder) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

func (r *recorder) kinds() []models.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.MessageKind, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Kind
	}
	return out
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Message
	}
	return out
}

func (r *recorder) countText(text string) int {
	n := 0
	for _, m := range r.texts() {
		if m == text {
			n++
		}
	}
	return n
}
