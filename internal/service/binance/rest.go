package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
	"CoinPulse/internal/service/ratelimit"
	xhttp "CoinPulse/pkg/http"
	"CoinPulse/pkg/logger"
	"CoinPulse/pkg/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

const (
	// request weights as published by the venue
	weightExchangeInfo = 20
	weightTicker24hAll = 80
	weightKlines       = 2

	maxKlinesPerRequest = 1000
	limiterKey          = "binance-rest"
)

// RESTClient talks to the public market data endpoints.
type RESTClient struct {
	http       *xhttp.Client
	limiter    *ratelimit.Limiter
	logger     *logger.Logger
	metrics    drepo.Metrics
	maxRetries uint64
	retryDelay time.Duration
	now        func() time.Time
}

type RESTOption func(*RESTClient)

func WithRESTLogger(l *logger.Logger) RESTOption {
	return func(c *RESTClient) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithRESTMetrics(m drepo.Metrics) RESTOption {
	return func(c *RESTClient) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRESTRetry retries temporary failures (429, 5xx, transport errors).
func WithRESTRetry(maxRetries uint64, delay time.Duration) RESTOption {
	return func(c *RESTClient) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

func NewRESTClient(hc *xhttp.Client, limiter *ratelimit.Limiter, metrics drepo.Metrics, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		http:       hc,
		limiter:    limiter,
		logger:     logger.Nop(),
		metrics:    metrics,
		maxRetries: 2,
		retryDelay: time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RESTClient) get(ctx context.Context, op, path string, weight int, query map[string][]string, dest interface{}) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordLatency("binance_"+op, time.Since(start).Seconds())
		}
	}()

	call := func() error {
		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, limiterKey, weight); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := c.http.GetJSON(ctx, path, query, dest)
		if err == nil {
			return nil
		}
		var serr *xhttp.StatusError
		if errors.As(err, &serr) && !serr.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.maxRetries), ctx)
	err := backoff.RetryNotify(call, b, func(err error, d time.Duration) {
		if c.metrics != nil {
			c.metrics.RecordRetry("binance_" + op)
		}
		c.logger.Warn("binance request failed, retrying",
			logger.String("op", op),
			logger.Duration("in", d),
			logger.Error(err))
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordError("binance_" + op)
		}
		return fmt.Errorf("binance %s: %w", op, err)
	}
	return nil
}

// SymbolInfo is one entry of the exchangeInfo symbol list.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type exchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// Symbols returns every symbol currently trading.
func (c *RESTClient) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	var info exchangeInfo
	if err := c.get(ctx, "exchange_info", "/api/v3/exchangeInfo", weightExchangeInfo, nil, &info); err != nil {
		return nil, err
	}
	out := info.Symbols[:0]
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s)
		}
	}
	return out, nil
}

// QuoteVolumes returns the rolling 24h quote volume per symbol.
func (c *RESTClient) QuoteVolumes(ctx context.Context) (map[string]decimal.Decimal, error) {
	var rows []ticker24h
	if err := c.get(ctx, "ticker_24h", "/api/v3/ticker/24hr", weightTicker24hAll, nil, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		v, err := decimal.NewFromString(r.QuoteVolume)
		if err != nil {
			continue
		}
		out[r.Symbol] = v
	}
	return out, nil
}

// FetchCandles returns the newest limit closed candles, oldest first. The
// still forming candle is dropped. Requests above the per-call cap are paged
// backwards with endTime.
func (c *RESTClient) FetchCandles(ctx context.Context, pair string, period int64, limit int) ([]models.Candle, error) {
	interval, ok := intervalFor(period)
	if !ok {
		return nil, fmt.Errorf("binance: unsupported period %ds", period)
	}
	if limit <= 0 {
		return nil, nil
	}

	nowMs := c.now().UnixMilli()
	var out []models.Candle
	var endTime int64
	want := limit + 1 // one extra for the forming candle
	for len(out) < want {
		n := want - len(out)
		if n > maxKlinesPerRequest {
			n = maxKlinesPerRequest
		}
		q := map[string][]string{
			"symbol":   {pair},
			"interval": {interval},
			"limit":    {strconv.Itoa(n)},
		}
		if endTime > 0 {
			q["endTime"] = []string{strconv.FormatInt(endTime, 10)}
		}
		var raw [][]json.RawMessage
		if err := c.get(ctx, "klines", "/api/v3/klines", weightKlines, q, &raw); err != nil {
			return nil, err
		}
		page := make([]models.Candle, 0, len(raw))
		var earliest int64
		for i, row := range raw {
			k, closeMs, err := parseKline(row)
			if err != nil {
				return nil, fmt.Errorf("binance klines %s: %w", pair, err)
			}
			if i == 0 {
				earliest = k.Timestamp * 1000
			}
			if closeMs >= nowMs {
				continue
			}
			page = append(page, k)
		}
		out = append(page, out...)
		if len(raw) < n {
			break
		}
		endTime = earliest - 1
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row []json.RawMessage) (models.Candle, int64, error) {
	if len(row) < 7 {
		return models.Candle{}, 0, fmt.Errorf("short kline row (%d fields)", len(row))
	}
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return models.Candle{}, 0, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return models.Candle{}, 0, fmt.Errorf("close time: %w", err)
	}
	var vals [5]float64
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return models.Candle{}, 0, fmt.Errorf("field %d: %w", i+1, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.Candle{}, 0, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = d.InexactFloat64()
	}
	return models.Candle{
		Timestamp: openMs / 1000,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, closeMs, nil
}

var availablePeriods = []int64{
	60, 3 * 60, 5 * 60, 15 * 60, 30 * 60,
	3600, 2 * 3600, 4 * 3600, 6 * 3600, 8 * 3600, 12 * 3600,
	86400, 3 * 86400, 7 * 86400,
}

func intervalFor(period int64) (string, bool) {
	for _, p := range availablePeriods {
		if p == period {
			return util.FormatPeriod(period), true
		}
	}
	return "", false
}

// pairResolver selects trading symbols by quote asset and 24h quote volume.
type pairResolver struct {
	rest      *RESTClient
	onSymbols func([]SymbolInfo)
}

var _ drepo.PairResolver = (*pairResolver)(nil)

// Pairs returns symbols matching any criterion, highest volume first, minus
// the blacklist. Manual pairs are merged by the caller.
func (r *pairResolver) Pairs(ctx context.Context, criteria []models.PairSelectionCriteria, _, blacklist []string) ([]string, error) {
	if len(criteria) == 0 {
		return nil, nil
	}
	symbols, err := r.rest.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	if r.onSymbols != nil {
		r.onSymbols(symbols)
	}
	volumes, err := r.rest.QuoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	banned := make(map[string]struct{}, len(blacklist))
	for _, b := range blacklist {
		banned[b] = struct{}{}
	}

	type candidate struct {
		symbol string
		volume decimal.Decimal
	}
	seen := make(map[string]struct{})
	var picked []candidate
	for _, s := range symbols {
		if _, ok := banned[s.Symbol]; ok {
			continue
		}
		vol := volumes[s.Symbol]
		for _, cr := range criteria {
			if s.QuoteAsset != cr.CounterCurrency {
				continue
			}
			if vol.LessThan(decimal.NewFromFloat(cr.MinVolume)) {
				continue
			}
			if _, dup := seen[s.Symbol]; !dup {
				seen[s.Symbol] = struct{}{}
				picked = append(picked, candidate{symbol: s.Symbol, volume: vol})
			}
			break
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].volume.GreaterThan(picked[j].volume) })

	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = p.symbol
	}
	return out, nil
}
