package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/internal/service/ratelimit"
	xhttp "CoinPulse/pkg/http"

	"github.com/gorilla/websocket"
)

func newTestREST(t *testing.T, h http.Handler) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	hc := xhttp.NewClient(xhttp.WithBaseURL(srv.URL), xhttp.WithTimeout(2*time.Second))
	return NewRESTClient(hc, ratelimit.New(1000, 1000), nil, WithRESTRetry(2, time.Millisecond))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestPairResolverFiltersAndSorts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"symbols": []SymbolInfo{
			{Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT"},
			{Symbol: "ETHUSDT", Status: "TRADING", BaseAsset: "ETH", QuoteAsset: "USDT"},
			{Symbol: "DOGEBTC", Status: "TRADING", BaseAsset: "DOGE", QuoteAsset: "BTC"},
			{Symbol: "XRPUSDT", Status: "BREAK", BaseAsset: "XRP", QuoteAsset: "USDT"},
			{Symbol: "SHIBUSDT", Status: "TRADING", BaseAsset: "SHIB", QuoteAsset: "USDT"},
			{Symbol: "LUNAUSDT", Status: "TRADING", BaseAsset: "LUNA", QuoteAsset: "USDT"},
		}})
	})
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []ticker24h{
			{Symbol: "BTCUSDT", QuoteVolume: "500000.5"},
			{Symbol: "ETHUSDT", QuoteVolume: "900000"},
			{Symbol: "DOGEBTC", QuoteVolume: "10"},
			{Symbol: "XRPUSDT", QuoteVolume: "99999999"},
			{Symbol: "SHIBUSDT", QuoteVolume: "100"},
			{Symbol: "LUNAUSDT", QuoteVolume: "5000000"},
		})
	})
	ex := NewExchange(newTestREST(t, mux), StreamConfig{})

	pairs, err := ex.PairResolver().Pairs(context.Background(),
		[]models.PairSelectionCriteria{{CounterCurrency: "USDT", MinVolume: 1000}, {CounterCurrency: "BTC", MinVolume: 1}},
		nil, []string{"LUNAUSDT"})
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	want := []string{"ETHUSDT", "BTCUSDT", "DOGEBTC"}
	if strings.Join(pairs, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, pairs)
	}
	if got := ex.FormatPair("DOGEBTC"); got != "DOGE/BTC" {
		t.Fatalf("FormatPair from exchangeInfo = %q", got)
	}
}

func TestFormatPairFallback(t *testing.T) {
	ex := NewExchange(nil, StreamConfig{})
	cases := map[string]string{"SOLUSDT": "SOL/USDT", "ETHBTC": "ETH/BTC", "USDT": "USDT", "WEIRD": "WEIRD"}
	for in, want := range cases {
		if got := ex.FormatPair(in); got != want {
			t.Fatalf("FormatPair(%q) = %q, want %q", in, got, want)
		}
	}
}

func kline(openMs, closeMs int64, o, h, l, c string) []interface{} {
	return []interface{}{openMs, o, h, l, c, "12.5", closeMs, "0", 1, "0", "0", "0"}
}

func TestFetchCandlesDropsFormingCandle(t *testing.T) {
	now := time.Unix(1_700_000_200, 0)
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if q.Get("endTime") != "" {
			writeJSON(w, [][]interface{}{})
			return
		}
		base := int64(1_700_000_040_000)
		writeJSON(w, [][]interface{}{
			kline(base, base+59_999, "1", "2", "0.5", "1.5"),
			kline(base+60_000, base+119_999, "1.5", "3", "1", "2.5"),
			kline(base+120_000, base+179_999, "2.5", "2.6", "2.4", "2.5"),
		})
	})
	rest := newTestREST(t, mux)
	rest.now = func() time.Time { return now }

	cs, err := rest.FetchCandles(context.Background(), "BTCUSDT", 60, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 closed candles, got %d", len(cs))
	}
	if cs[1].Timestamp != 1_700_000_100 || cs[1].High != 3 || cs[1].Volume != 12.5 {
		t.Fatalf("unexpected candle %+v", cs[1])
	}
	if _, err := rest.FetchCandles(context.Background(), "BTCUSDT", 7, 2); err == nil {
		t.Fatalf("expected unsupported period error")
	}
}

func TestRESTRetriesOnlyTemporaryFailures(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, []ticker24h{{Symbol: "BTCUSDT", QuoteVolume: "1"}})
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusBadRequest)
	})
	rest := newTestREST(t, mux)

	vols, err := rest.QuoteVolumes(context.Background())
	if err != nil {
		t.Fatalf("quote volumes: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 || vols["BTCUSDT"].String() != "1" {
		t.Fatalf("expected one retry, calls=%d vols=%v", calls, vols)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := rest.Symbols(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("400 must not be retried, calls=%d", calls)
	}
}

func TestParseAggTrade(t *testing.T) {
	tk, ok := parseAggTrade([]byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"64000.10","q":"0.5","T":1700000000123}}`))
	if !ok {
		t.Fatalf("expected trade")
	}
	if tk.Pair != "BTCUSDT" || tk.Value != 64000.10 || tk.Quantity != 0.5 || tk.Timestamp != 1_700_000_000 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
	for _, frame := range []string{
		`{"result":null,"id":1}`,
		`{"stream":"x","data":{"e":"aggTrade","s":"X","p":"0","T":1}}`,
		`not json`,
	} {
		if _, ok := parseAggTrade([]byte(frame)); ok {
			t.Fatalf("expected %q to be ignored", frame)
		}
	}
}

type listenerStub struct {
	mu      sync.Mutex
	tickers []models.Ticker
	states  []models.ConnectionState
	errs    int
}

func (l *listenerStub) OnTicker(t models.Ticker) {
	l.mu.Lock()
	l.tickers = append(l.tickers, t)
	l.mu.Unlock()
}

func (l *listenerStub) OnTickers(ts []models.Ticker) {
	for _, t := range ts {
		l.OnTicker(t)
	}
}

func (l *listenerStub) OnError(error) {
	l.mu.Lock()
	l.errs++
	l.mu.Unlock()
}

func (l *listenerStub) errCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}

func (l *listenerStub) OnConnectionState(s models.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *listenerStub) snapshot() ([]models.Ticker, []models.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Ticker(nil), l.tickers...), append([]models.ConnectionState(nil), l.states...)
}

func TestStreamDeliversAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("streams") != "btcusdt@aggTrade/ethusdt@aggTrade" {
			http.Error(w, "bad streams", http.StatusBadRequest)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&conns, 1)
		_ = c.WriteMessage(websocket.TextMessage,
			[]byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"10","q":"1","T":5000}}`))
		if n == 1 {
			// drop the first connection to force a reconnect
			_ = c.Close()
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(StreamConfig{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}, []string{"BTCUSDT", "ETHUSDT"}, nil, nil)
	l := &listenerStub{}
	if err := s.Connect(context.Background(), l); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		tickers, states := l.snapshot()
		if len(tickers) >= 2 && len(states) >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: tickers=%v states=%v", tickers, states)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Disconnect(); err != nil {
		t.Logf("disconnect: %v", err)
	}

	tickers, states := l.snapshot()
	if tickers[0].Pair != "BTCUSDT" || tickers[0].Timestamp != 5 {
		t.Fatalf("unexpected ticker %+v", tickers[0])
	}
	want := []models.ConnectionState{models.Connected, models.Disconnected, models.Reconnecting, models.Connected}
	for i, st := range want {
		if states[i] != st {
			t.Fatalf("state %d: want %v, got %v (all %v)", i, st, states[i], states)
		}
	}
	if l.errCount() == 0 {
		t.Fatal("dropped connection should be reported as an error")
	}
}
