package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	"CoinPulse/internal/services/detector"
	"CoinPulse/internal/services/relative"
	applogger "CoinPulse/pkg/logger"
	"CoinPulse/pkg/metrics"
	"CoinPulse/pkg/queue"
)

// DefaultRetryInterval separates attempts of every network step during startup and refresh.
const DefaultRetryInterval = 60 * time.Second

// maxBootstrapMultiplier bounds how much finer than the smallest window the
// venue's finest candle period may be for the additional bootstrap fetch.
const maxBootstrapMultiplier = 1440

// ChangesReceiver gets every recomputed batch of one pair.
type ChangesReceiver func(ctx context.Context, pair string, changes []models.PriceChanges)

type MessageReceiver func(msg models.EngineMessage)

// HeartbeatReceiver fires on every live (non-bootstrap) delivery.
type HeartbeatReceiver func(pair string)

// EngineConfig is fixed once Start has been called.
type EngineConfig struct {
	Windows            []int64
	RelativeNumCandles int
	Criteria           []models.PairSelectionCriteria
	Pairs              []string
	Blacklist          []string
	// RefreshInterval enables periodic silent refreshes when positive.
	RefreshInterval time.Duration
	// CheckChangesDelay debounces recomputes per pair when positive.
	CheckChangesDelay            time.Duration
	Estimator                    relative.Estimator
	InitWithLowerPeriodChartData bool
	TimeframeMultiplier          int64
	RetryInterval                time.Duration
	IngestShards                 int
	IngestBuffer                 int
	IngestTimeout                time.Duration
	MessageFlushInterval         time.Duration
}

// Engine drives pair discovery, chart bootstrap, the live ticker stream and
// periodic refreshes, and turns tickers into price changes.
type Engine struct {
	cfg        EngineConfig
	exchange   domrepo.Exchange
	detector   *detector.Detector
	normalizer *relative.Normalizer
	lc         *lifecycle
	messages   *queue.MessageQueue[models.EngineMessage]
	ingest     *ingest
	logger     *applogger.Logger
	metrics    domrepo.Metrics
	now        func() time.Time

	onChanges   ChangesReceiver
	onMessage   MessageReceiver
	onHeartbeat HeartbeatReceiver

	// guarded by mu
	mu               sync.RWMutex
	periods          []models.PeriodNumCandles
	chartSubscribers []domrepo.CandleSubscriber
	pairs            []string
	chart            domrepo.ChartDataSource
	initChart        domrepo.ChartDataSource
	ticker           domrepo.TickerSource
	tickerGen        uint64
	refreshGen       uint64
	fetchCancel      context.CancelFunc
	lastMessage      *models.EngineMessage
	ctx              context.Context
	cancel           context.CancelFunc

	debounceMu sync.Mutex
	scheduled  map[string]struct{}

	wg sync.WaitGroup
}

type EngineOption func(*Engine)

func WithEngineLogger(l *applogger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEngineMetrics(m domrepo.Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithMessageReceiver(fn MessageReceiver) EngineOption {
	return func(e *Engine) { e.onMessage = fn }
}

func WithHeartbeatReceiver(fn HeartbeatReceiver) EngineOption {
	return func(e *Engine) { e.onHeartbeat = fn }
}

// WithClock overrides the wall clock used by the candle bootstrap.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(exchange domrepo.Exchange, onChanges ChangesReceiver, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if len(cfg.Windows) == 0 {
		return nil, ErrNoWindows
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RelativeNumCandles <= 0 {
		cfg.RelativeNumCandles = 30
	}
	if cfg.IngestShards <= 0 {
		cfg.IngestShards = 4
	}
	if cfg.IngestBuffer <= 0 {
		cfg.IngestBuffer = 256
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = time.Second
	}
	if cfg.MessageFlushInterval <= 0 {
		cfg.MessageFlushInterval = queue.DefaultFlushInterval
	}
	var dopts []detector.Option
	if cfg.TimeframeMultiplier > 0 {
		dopts = append(dopts, detector.WithTimeframeMultiplier(cfg.TimeframeMultiplier))
	}
	det, err := detector.New(cfg.Windows, dopts...)
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		exchange:  exchange,
		detector:  det,
		logger:    applogger.Nop(),
		metrics:   metrics.Noop{},
		now:       time.Now,
		onChanges: onChanges,
		scheduled: make(map[string]struct{}),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("engine")
	e.normalizer = relative.NewNormalizer(cfg.Estimator, e.logger)
	for _, w := range det.Windows() {
		e.periods = append(e.periods, models.PeriodNumCandles{Period: w, NumCandles: cfg.RelativeNumCandles})
	}
	e.lc = newLifecycle(func(s State) { e.metrics.RecordEngineState(s.String()) })
	e.messages = queue.NewMessageQueue[models.EngineMessage](e.deliverMessage, queue.WithFlushInterval[models.EngineMessage](cfg.MessageFlushInterval))
	e.ingest = newIngest(cfg.IngestShards, cfg.IngestBuffer, cfg.IngestTimeout, e.handleDelivery, e.metrics, e.logger)
	return e, nil
}

// AddChartPeriod requests extra chart data (e.g. for chart subscribers). Only before Start.
func (e *Engine) AddChartPeriod(p models.PeriodNumCandles) error {
	if e.lc.isStarted() {
		return fmt.Errorf("%w: chart periods are fixed after start", ErrIllegalState)
	}
	if p.Period <= 0 || p.NumCandles <= 0 {
		return fmt.Errorf("invalid chart period %+v", p)
	}
	e.mu.Lock()
	e.periods = append(e.periods, p)
	e.mu.Unlock()
	return nil
}

// SubscribeChartData registers fn for closed-candle snapshots of every chart
// source the engine creates. Only before Start.
func (e *Engine) SubscribeChartData(fn domrepo.CandleSubscriber) error {
	if e.lc.isStarted() {
		return fmt.Errorf("%w: subscribe chart data before start", ErrIllegalState)
	}
	e.mu.Lock()
	e.chartSubscribers = append(e.chartSubscribers, fn)
	e.mu.Unlock()
	return nil
}

// Start runs the startup sequence and returns once the ticker stream has been
// requested, the engine has been stopped, or no pairs could be selected.
// It may be called only once.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.lc.start(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	e.messages.Start()
	e.ingest.start()

	if len(e.cfg.Criteria) == 0 && len(e.cfg.Pairs) == 0 {
		e.lc.transition(StateNoPairs)
		e.message(models.NewEngineMessage(models.MsgNoPairs, "Got 0 currency pairs"))
		return ErrNoPairs
	}

	e.logger.Info("starting engine",
		applogger.String("exchange", e.exchange.Name()),
		applogger.Any("windows", e.detector.Windows()),
		applogger.String("estimator", e.cfg.Estimator.String()),
	)
	e.message(models.NewEngineMessage(models.MsgConnecting, "Connecting..."))

	err := e.fetchPairsData()
	switch {
	case err == nil:
		e.startTickerProvider()
	case errors.Is(err, ErrNoPairs):
		return err
	}

	if e.cfg.RefreshInterval > 0 {
		// checked under mu so Stop either sees the goroutine or it never starts
		e.mu.Lock()
		if !e.lc.isStopped() {
			e.wg.Add(1)
			go e.autoRefresh(runCtx, e.cfg.RefreshInterval)
		}
		e.mu.Unlock()
	}
	return nil
}

// Stop tears the engine down. It may be called from any state, once.
func (e *Engine) Stop() error {
	if err := e.lc.stop(); err != nil {
		return err
	}
	e.logger.Info("stopping engine")

	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	e.abortFetch()
	e.stopTicker()
	e.wg.Wait()
	e.ingest.stop()
	e.messages.Stop()
	return nil
}

// Reconnect is an explicit refresh: the ticker is dropped first and
// connection status is reported.
func (e *Engine) Reconnect() error {
	return e.refresh(true, false)
}

func (e *Engine) autoRefresh(ctx context.Context, every time.Duration) {
	defer e.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.message(models.NewEngineMessage(models.MsgAutoRefreshing, "Auto refreshing pairs data..."))
			if err := e.refresh(false, true); err != nil {
				e.logger.Warn("auto refresh skipped", applogger.Error(err))
			}
		}
	}
}

// AllPairs returns the resolved pair universe, nil before the first resolution.
func (e *Engine) AllPairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pairs == nil {
		return nil
	}
	out := make([]string, len(e.pairs))
	copy(out, e.pairs)
	return out
}

// FormatPair renders a venue symbol for humans.
func (e *Engine) FormatPair(pair string) string {
	return e.exchange.FormatPair(pair)
}

// RequestAllPairsChanges computes a fresh snapshot across every pair and window.
func (e *Engine) RequestAllPairsChanges() []models.PriceChanges {
	pairs := e.AllPairs()
	out := make([]models.PriceChanges, 0, len(pairs)*len(e.cfg.Windows))
	for _, pair := range pairs {
		changes, ok := e.detector.CheckChanges(pair)
		if !ok {
			continue
		}
		e.normalizer.SetRelativeChanges(changes)
		out = append(out, changes...)
	}
	return out
}

// Candles returns the closed candles currently held for pp, nil before chart data exists.
func (e *Engine) Candles(pp models.PairPeriod) []models.Candle {
	chart := e.chartSource()
	if chart == nil {
		return nil
	}
	return chart.Candles(pp)
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	State       string                `json:"state"`
	Exchange    string                `json:"exchange"`
	Started     bool                  `json:"started"`
	Connected   bool                  `json:"connected"`
	Refreshing  bool                  `json:"refreshing"`
	Pairs       int                   `json:"pairs"`
	Windows     []int64               `json:"windows"`
	LastMessage *models.EngineMessage `json:"last_message,omitempty"`
}

func (e *Engine) Status() Status {
	snap := e.lc.snapshot()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:       snap.State.String(),
		Exchange:    e.exchange.Name(),
		Started:     snap.Started,
		Connected:   snap.StartedAndConnected,
		Refreshing:  snap.Refreshing,
		Pairs:       len(e.pairs),
		Windows:     e.detector.Windows(),
		LastMessage: e.lastMessage,
	}
}

func (e *Engine) State() State { return e.lc.current() }

func (e *Engine) message(msg models.EngineMessage) {
	e.mu.Lock()
	e.lastMessage = &msg
	e.mu.Unlock()
	if err := e.messages.Add(msg); err != nil {
		e.logger.Debug("engine message dropped after stop", applogger.String("message", msg.Message))
	}
}

func (e *Engine) info(msg string) {
	e.message(models.NewEngineMessage(models.MsgInfo, msg))
}

// failure reports an error the engine recovers from on its own.
func (e *Engine) failure(msg string) {
	e.message(models.NewEngineMessage(models.MsgError, msg))
}

func (e *Engine) deliverMessage(msg models.EngineMessage) {
	if e.onMessage != nil {
		e.onMessage(msg)
	}
}

func (e *Engine) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ctx
}

func (e *Engine) chartSource() domrepo.ChartDataSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chart
}
