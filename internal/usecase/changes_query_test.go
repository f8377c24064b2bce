package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/pkg/metrics"
)

type staticSnapshot []models.PriceChanges

func (s staticSnapshot) RequestAllPairsChanges() []models.PriceChanges {
	return append([]models.PriceChanges(nil), s...)
}

type mapLatest map[string][]models.PriceChanges

func (m mapLatest) Latest(_ context.Context, pair string) ([]models.PriceChanges, error) {
	return m[pair], nil
}

func rel(v float64) *float64 { return &v }

func TestChangesQueryListSortsAndFilters(t *testing.T) {
	live := staticSnapshot{
		{Pair: "A", PeriodSeconds: 60, MinPrice: 100, MaxPrice: 101, MaxPriceTimestamp: 2, RelativePriceChange: rel(0.5)},
		{Pair: "B", PeriodSeconds: 60, MinPrice: 100, MaxPrice: 110, MaxPriceTimestamp: 2},
		{Pair: "C", PeriodSeconds: 60, MinPrice: 100, MaxPrice: 105, MinPriceTimestamp: 2, RelativePriceChange: rel(-3)},
		{Pair: "C", PeriodSeconds: 300, MinPrice: 100, MaxPrice: 105, RelativePriceChange: rel(9)},
	}
	q := NewChangesQuery(live, nil, nil)

	got := q.List(60, SortAbsRelative, 0)
	if len(got) != 3 || got[0].Pair != "C" || got[1].Pair != "A" || got[2].Pair != "B" {
		t.Fatalf("unexpected abs_relative order %+v", got)
	}
	got = q.List(60, SortAbsPercent, 2)
	if len(got) != 2 || got[0].Pair != "B" || got[1].Pair != "C" {
		t.Fatalf("unexpected abs_percent order %+v", got)
	}
	got = q.List(0, SortPair, 0)
	if len(got) != 4 || got[2].PeriodSeconds != 60 || got[3].PeriodSeconds != 300 {
		t.Fatalf("unexpected pair order %+v", got)
	}
}

func TestChangesQueryLatestAndHistory(t *testing.T) {
	latest := mapLatest{"A": {{Pair: "A", PeriodSeconds: 60}, {Pair: "A", PeriodSeconds: 300}}}
	q := NewChangesQuery(staticSnapshot{}, latest, nil)

	got, err := q.Latest(context.Background(), "A", 300)
	if err != nil || len(got) != 1 || got[0].PeriodSeconds != 300 {
		t.Fatalf("unexpected latest %v %v", got, err)
	}
	if _, err := q.Latest(context.Background(), "", 0); err == nil {
		t.Fatalf("expected error for empty pair")
	}
	_, err = q.History(context.Background(), HistoryParams{Pair: "A", From: time.Unix(0, 0), To: time.Unix(10, 0)})
	if !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

type staticCandles []models.Candle

func (s staticCandles) Candles(models.PairPeriod) []models.Candle { return s }

func TestCandlesUseCaseKeepsNewest(t *testing.T) {
	uc := NewCandlesUseCase(staticCandles{{Timestamp: 1}, {Timestamp: 2}, {Timestamp: 3}})
	res, err := uc.GetCandles(GetCandlesParams{Pair: "A", Period: 60, Limit: 2})
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if res.Count != 2 || res.Candles[0].Timestamp != 2 {
		t.Fatalf("expected newest two candles, got %+v", res.Candles)
	}
	if _, err := uc.GetCandles(GetCandlesParams{Pair: "A"}); err == nil {
		t.Fatalf("expected error for missing period")
	}
}

type listenerStub struct {
	tickers []models.Ticker
}

func (l *listenerStub) OnTicker(t models.Ticker)                 { l.tickers = append(l.tickers, t) }
func (l *listenerStub) OnTickers(ts []models.Ticker)             { l.tickers = append(l.tickers, ts...) }
func (l *listenerStub) OnError(error)                            {}
func (l *listenerStub) OnConnectionState(models.ConnectionState) {}

func TestKafkaTicksHandler(t *testing.T) {
	l := &listenerStub{}
	h := NewKafkaTicksHandler("ticks", []string{"BTCUSDT"}, l, metrics.Noop{})

	if err := h.Handle(context.Background(), []byte(`{"symbol":"BTCUSDT","t":1700000000123,"c":42000.5,"v":1}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.Handle(context.Background(), []byte(`{"symbol":"ETHUSDT","t":1700000000,"c":2000,"v":1}`)); err != nil {
		t.Fatalf("filtered pair should not error: %v", err)
	}
	if err := h.Handle(context.Background(), []byte(`{"symbol":"BTCUSDT"`)); err == nil {
		t.Fatalf("expected unmarshal error")
	}
	if len(l.tickers) != 1 {
		t.Fatalf("expected one ticker, got %d", len(l.tickers))
	}
	if tk := l.tickers[0]; tk.Timestamp != 1700000000 || tk.Value != 42000.5 || tk.Quantity != 1 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
}

type publisherStub struct {
	pairs []string
}

func (p *publisherStub) Publish(_ context.Context, pair string, _ []models.PriceChanges) error {
	p.pairs = append(p.pairs, pair)
	return nil
}

func TestChangesDispatcherFansOut(t *testing.T) {
	pub := &publisherStub{}
	d := NewChangesDispatcher(pub, metrics.Noop{}, nil)
	var heard []string
	d.AddListener(func(pair string, _ []models.PriceChanges) { heard = append(heard, pair) })

	d.Dispatch(context.Background(), "A", []models.PriceChanges{{Pair: "A", PeriodSeconds: 60}})
	d.Dispatch(context.Background(), "B", nil)
	if len(pub.pairs) != 1 || len(heard) != 1 {
		t.Fatalf("expected one delivery each, got pub=%v listeners=%v", pub.pairs, heard)
	}
}
