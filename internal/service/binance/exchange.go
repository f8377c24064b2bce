package binance

import (
	"strings"
	"sync"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
	"CoinPulse/internal/service/chartdata"
	"CoinPulse/pkg/logger"
)

// quote assets tried when a symbol was never seen in exchangeInfo
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// TickerSourceFactory builds the live ticker source for a pair set.
type TickerSourceFactory func(pairs []string) drepo.TickerSource

type Option func(*Exchange)

// WithTickerSourceFactory replaces the aggTrade websocket, e.g. with a Kafka
// tick consumer.
func WithTickerSourceFactory(f TickerSourceFactory) Option {
	return func(e *Exchange) {
		if f != nil {
			e.tickerFactory = f
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Exchange) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m drepo.Metrics) Option {
	return func(e *Exchange) {
		e.metrics = m
	}
}

func WithChartConcurrency(n int) Option {
	return func(e *Exchange) {
		e.chartConcurrency = n
	}
}

// Exchange adapts Binance spot market data to the engine.
type Exchange struct {
	rest             *RESTClient
	streamCfg        StreamConfig
	tickerFactory    TickerSourceFactory
	chartConcurrency int
	logger           *logger.Logger
	metrics          drepo.Metrics

	mu     sync.RWMutex
	assets map[string][2]string
}

var _ drepo.Exchange = (*Exchange)(nil)

func NewExchange(rest *RESTClient, streamCfg StreamConfig, opts ...Option) *Exchange {
	e := &Exchange{
		rest:             rest,
		streamCfg:        streamCfg,
		chartConcurrency: 4,
		logger:           logger.Nop(),
		assets:           make(map[string][2]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tickerFactory == nil {
		e.tickerFactory = func(pairs []string) drepo.TickerSource {
			return NewStream(e.streamCfg, pairs, e.logger.With("binance_stream"), e.metrics)
		}
	}
	return e
}

func (e *Exchange) Name() string { return "binance" }

func (e *Exchange) AvailablePeriods() []int64 {
	return append([]int64(nil), availablePeriods...)
}

func (e *Exchange) PairResolver() drepo.PairResolver {
	return &pairResolver{rest: e.rest, onSymbols: e.rememberSymbols}
}

func (e *Exchange) NewChartDataSource(pairs []string, periods []models.PeriodNumCandles) drepo.ChartDataSource {
	return chartdata.New(e.rest, pairs, periods,
		chartdata.WithConcurrency(e.chartConcurrency),
		chartdata.WithLogger(e.logger.With("chartdata")))
}

func (e *Exchange) NewTickerSource(pairs []string) drepo.TickerSource {
	return e.tickerFactory(pairs)
}

// FormatPair renders BTCUSDT as BTC/USDT. Unknown symbols are split on a
// known quote asset suffix, or returned unchanged.
func (e *Exchange) FormatPair(pair string) string {
	e.mu.RLock()
	a, ok := e.assets[pair]
	e.mu.RUnlock()
	if ok {
		return a[0] + "/" + a[1]
	}
	for _, q := range knownQuotes {
		if len(pair) > len(q) && strings.HasSuffix(pair, q) {
			return strings.TrimSuffix(pair, q) + "/" + q
		}
	}
	return pair
}

func (e *Exchange) rememberSymbols(symbols []SymbolInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range symbols {
		if s.BaseAsset != "" && s.QuoteAsset != "" {
			e.assets[s.Symbol] = [2]string{s.BaseAsset, s.QuoteAsset}
		}
	}
}
