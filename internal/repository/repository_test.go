package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/pkg/cache"
	pkgkafka "CoinPulse/pkg/kafka"
	"CoinPulse/pkg/metrics"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeExec struct {
	query string
	args  []interface{}
	calls int
}

func (e *fakeExec) ExecContext(_ context.Context, q string, args ...interface{}) (sql.Result, error) {
	e.calls++
	e.query = q
	e.args = args
	return nil, nil
}

func (e *fakeExec) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func sampleChanges(pair string) []models.PriceChanges {
	return []models.PriceChanges{
		{Pair: pair, PeriodSeconds: 60, LastPrice: 101, LastPriceTimestamp: 1000,
			MinPrice: 100, MinPriceTimestamp: 950, MaxPrice: 101, MaxPriceTimestamp: 1000,
			MaxAfterMinPrice: 101, MaxAfterMinTimestamp: 1000, MinAfterMaxPrice: 101, MinAfterMaxTimestamp: 1000},
		{Pair: pair, PeriodSeconds: 300, LastPrice: 101, LastPriceTimestamp: 1000,
			MinPrice: 100, MinPriceTimestamp: 800, MaxPrice: 110, MaxPriceTimestamp: 700,
			MaxAfterMinPrice: 101, MaxAfterMinTimestamp: 1000, MinAfterMaxPrice: 100, MinAfterMaxTimestamp: 800},
	}
}

func TestKafkaChangesSinkKeysByPair(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaChangesSink(pkgkafka.NewProducerWithWriter(w, nil), "changes", strings.ToLower)
	if err := sink.Publish(context.Background(), "BTCUSDT", sampleChanges("BTCUSDT")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected one message per window, got %d", len(w.msgs))
	}
	var v models.ChangesView
	if err := json.Unmarshal(w.msgs[0].Value, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(w.msgs[0].Key) != "BTCUSDT" || v.FormattedPair != "btcusdt" || v.PeriodSeconds != 60 {
		t.Fatalf("unexpected message %s -> %+v", w.msgs[0].Key, v)
	}
	if v.PercentChange != 1 {
		t.Fatalf("expected 1%% change, got %v", v.PercentChange)
	}
}

func TestKafkaStatusPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaStatusPublisher(pkgkafka.NewProducerWithWriter(w, nil), "status", nil)
	p.Publish(context.Background(), models.NewEngineMessage(models.MsgConnected, "Connected"))
	if len(w.msgs) != 1 || w.msgs[0].Topic != "status" || string(w.msgs[0].Key) != "connected" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
}

func TestClickHouseStoreFiltersByThreshold(t *testing.T) {
	db := &fakeExec{}
	store := NewClickHouseChangesStore(db, "price_changes", 5, nil)

	if err := store.Publish(context.Background(), "BTCUSDT", sampleChanges("BTCUSDT")[:1]); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if db.calls != 0 {
		t.Fatalf("1%% move must not be stored")
	}

	if err := store.Publish(context.Background(), "BTCUSDT", sampleChanges("BTCUSDT")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if db.calls != 1 || !strings.HasPrefix(db.query, "INSERT INTO price_changes") {
		t.Fatalf("unexpected insert %q", db.query)
	}
	if len(db.args) != changesColumnCount {
		t.Fatalf("expected a single row, got %d args", len(db.args))
	}
	if db.args[1] != "BTCUSDT" || db.args[2] != uint32(300) {
		t.Fatalf("unexpected row %v", db.args[:3])
	}
	if _, err := store.Query(context.Background(), "BTCUSDT", time.Unix(0, 0), time.Now(), 10); err == nil {
		t.Fatalf("expected query error to surface")
	}
}

func TestChangesSchemaHasTTL(t *testing.T) {
	ddl := ChangesSchema("price_changes", 30)
	if len(ddl) != 1 || !strings.Contains(ddl[0], "TTL ts + INTERVAL 30 DAY") {
		t.Fatalf("unexpected ddl %v", ddl)
	}
	if strings.Contains(ChangesSchema("t", 0)[0], "TTL") {
		t.Fatalf("ttl must be optional")
	}
}

func TestSnapshotStoreLatest(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	store := NewSnapshotStore(mc, time.Minute, "memory")
	ctx := context.Background()

	got, err := store.Latest(ctx, "BTCUSDT")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}

	changes := sampleChanges("BTCUSDT")
	if err := store.Publish(ctx, "BTCUSDT", []models.PriceChanges{changes[1], changes[0]}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err = store.Latest(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got) != 2 || got[0].PeriodSeconds != 60 || got[1].PeriodSeconds != 300 {
		t.Fatalf("unexpected latest %+v", got)
	}
	one, err := store.LatestForPeriod(ctx, "BTCUSDT", 300)
	if err != nil || one.MaxPrice != 110 {
		t.Fatalf("unexpected window %+v %v", one, err)
	}
	if _, err := store.LatestForPeriod(ctx, "BTCUSDT", 900); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

type fakeReader struct {
	ch chan kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (r *fakeReader) Close() error                                           { return nil }

type recordingListener struct {
	mu      sync.Mutex
	tickers []models.Ticker
	states  []models.ConnectionState
}

func (l *recordingListener) OnTicker(t models.Ticker) {
	l.mu.Lock()
	l.tickers = append(l.tickers, t)
	l.mu.Unlock()
}

func (l *recordingListener) OnTickers(ts []models.Ticker) {
	for _, t := range ts {
		l.OnTicker(t)
	}
}

func (l *recordingListener) OnError(error) {}

func (l *recordingListener) OnConnectionState(s models.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *recordingListener) received() []models.Ticker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Ticker(nil), l.tickers...)
}

func TestKafkaTickerSourceDeliversSelectedPairs(t *testing.T) {
	reader := &fakeReader{ch: make(chan kafka.Message, 4)}
	factory := func() (*pkgkafka.Consumer, error) {
		return pkgkafka.NewConsumerWithReaderFactory(
			func(*pkgkafka.ConsumerConfig, string) pkgkafka.Reader { return reader },
			pkgkafka.WithConsumerBrokers([]string{"localhost:9092"}),
			pkgkafka.WithConsumerRetry(0, time.Millisecond, time.Millisecond))
	}
	src := NewKafkaTickerSource(factory, "ticks", []string{"BTCUSDT"}, metrics.Noop{}, nil)
	l := &recordingListener{}
	if err := src.Connect(context.Background(), l); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := src.Connect(context.Background(), l); err == nil {
		t.Fatalf("second connect must fail")
	}

	reader.ch <- kafka.Message{Topic: "ticks", Value: []byte(`{"symbol":"ETHUSDT","t":1000,"c":2000}`)}
	reader.ch <- kafka.Message{Topic: "ticks", Value: []byte(`{"symbol":"BTCUSDT","t":1000000,"c":50000}`)}

	deadline := time.Now().Add(2 * time.Second)
	for len(l.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no ticker delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := src.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	got := l.received()
	if len(got) != 1 || got[0].Pair != "BTCUSDT" || got[0].Value != 50000 || got[0].Timestamp != 1000000 {
		t.Fatalf("unexpected tickers %+v", got)
	}
	if len(l.states) != 1 || l.states[0] != models.Connected {
		t.Fatalf("unexpected states %v", l.states)
	}
}
