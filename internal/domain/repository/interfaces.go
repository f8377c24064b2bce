package repository

import (
	"context"
	"time"

	"CoinPulse/internal/domain/models"
)

// Exchange is the venue adapter consumed by the engine.
type Exchange interface {
	Name() string
	// AvailablePeriods lists candle periods (seconds) the venue can serve.
	AvailablePeriods() []int64
	PairResolver() PairResolver
	NewChartDataSource(pairs []string, periods []models.PeriodNumCandles) ChartDataSource
	NewTickerSource(pairs []string) TickerSource
	// FormatPair renders a venue symbol for humans, e.g. BTCUSDT -> BTC/USDT.
	FormatPair(pair string) string
}

type PairResolver interface {
	Pairs(ctx context.Context, criteria []models.PairSelectionCriteria, manual, blacklist []string) ([]string, error)
}

// CandleSubscriber receives closed-candle snapshots.
type CandleSubscriber func(models.CandleSnapshot)

type ChartDataSource interface {
	// RefreshData loads candles for every (pair, period); progress receives percentages.
	RefreshData(ctx context.Context, progress func(percent float64)) error
	Subscribe(fn CandleSubscriber)
	Candles(pp models.PairPeriod) []models.Candle
	AllCandlesForPeriod(period int64) models.CandleSnapshot
	InsertTicker(t models.Ticker)
	// Abort interrupts an in-flight RefreshData. Safe to call repeatedly.
	Abort()
}

// TickerListener receives deliveries from a TickerSource.
type TickerListener interface {
	OnTicker(t models.Ticker)
	// OnTickers delivers tickers of a single pair, e.g. one trade split across fills.
	OnTickers(ts []models.Ticker)
	OnError(err error)
	OnConnectionState(s models.ConnectionState)
}

type TickerSource interface {
	// Connect returns once the first connection is established; the source keeps
	// reconnecting on its own and reports through OnConnectionState.
	Connect(ctx context.Context, l TickerListener) error
	Disconnect() error
}

// ChangesSink is a downstream consumer of recomputed price changes.
type ChangesSink interface {
	Name() string
	Publish(ctx context.Context, pair string, changes []models.PriceChanges) error
}

// ChangesHistory reads price changes persisted by a sink.
type ChangesHistory interface {
	Query(ctx context.Context, pair string, from, to time.Time, limit int) ([]models.PriceChanges, error)
}

type Metrics interface {
	RecordTicker(pair string)
	RecordRecompute(pair string, seconds float64)
	RecordChangesPublished(sink string, n int)
	RecordError(kind string)
	RecordLastPrice(pair string, price float64)
	RecordEngineState(state string)
	RecordRetry(op string)
	RecordLatency(op string, seconds float64)
}
