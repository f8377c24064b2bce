package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
	"CoinPulse/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const DefaultStreamURL = "wss://stream.binance.com:9443"

// StreamConfig tunes the aggTrade websocket source.
type StreamConfig struct {
	URL               string
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// MaxStreamsPerConn splits large pair sets over several connections.
	MaxStreamsPerConn int
}

func (c *StreamConfig) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultStreamURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = time.Minute
	}
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = 200
	}
}

// Stream is a TickerSource fed by combined <pair>@aggTrade streams.
type Stream struct {
	cfg     StreamConfig
	pairs   []string
	dialer  *websocket.Dialer
	logger  *logger.Logger
	metrics drepo.Metrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	conns    []*streamConn
	listener drepo.TickerListener
	wg       sync.WaitGroup
}

var _ drepo.TickerSource = (*Stream)(nil)

func NewStream(cfg StreamConfig, pairs []string, l *logger.Logger, metrics drepo.Metrics) *Stream {
	cfg.setDefaults()
	if l == nil {
		l = logger.Nop()
	}
	return &Stream{
		cfg:     cfg,
		pairs:   append([]string(nil), pairs...),
		dialer:  websocket.DefaultDialer,
		logger:  l,
		metrics: metrics,
	}
}

type streamConn struct {
	pairs []string
	mu    sync.Mutex
	conn  *websocket.Conn
}

func (sc *streamConn) get() *websocket.Conn {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn
}

func (sc *streamConn) set(c *websocket.Conn) {
	sc.mu.Lock()
	sc.conn = c
	sc.mu.Unlock()
}

// Connect dials every stream group and returns once all are up. The
// connections then reconnect on their own until Disconnect.
func (s *Stream) Connect(ctx context.Context, l drepo.TickerListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("binance stream already connected")
	}
	if len(s.pairs) == 0 {
		return errors.New("binance stream: no pairs")
	}

	var conns []*streamConn
	for i := 0; i < len(s.pairs); i += s.cfg.MaxStreamsPerConn {
		end := i + s.cfg.MaxStreamsPerConn
		if end > len(s.pairs) {
			end = len(s.pairs)
		}
		sc := &streamConn{pairs: s.pairs[i:end]}
		conn, err := s.dial(ctx, sc.pairs)
		if err != nil {
			for _, c := range conns {
				_ = c.get().Close()
			}
			return err
		}
		sc.set(conn)
		conns = append(conns, sc)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.conns = conns
	s.listener = l
	for _, sc := range conns {
		s.wg.Add(2)
		go s.pingLoop(runCtx, sc)
		go s.run(runCtx, sc)
	}
	s.logger.Info("binance stream connected",
		logger.Int("pairs", len(s.pairs)),
		logger.Int("connections", len(conns)))
	l.OnConnectionState(models.Connected)
	return nil
}

// Disconnect stops reconnecting and closes every connection. No callbacks
// are delivered once it returns.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	conns := s.conns
	s.cancel = nil
	s.conns = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var firstErr error
	for _, sc := range conns {
		if c := sc.get(); c != nil {
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.wg.Wait()
	return firstErr
}

func (s *Stream) streamURL(pairs []string) string {
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = strings.ToLower(p) + "@aggTrade"
	}
	return strings.TrimRight(s.cfg.URL, "/") + "/stream?streams=" + strings.Join(names, "/")
}

func (s *Stream) dial(ctx context.Context, pairs []string) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.streamURL(pairs), nil)
	if err != nil {
		return nil, fmt.Errorf("binance stream connect: %w", err)
	}
	readTimeout := 3 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}

func (s *Stream) notify(ctx context.Context, state models.ConnectionState) {
	if ctx.Err() != nil {
		return
	}
	s.listener.OnConnectionState(state)
}

func (s *Stream) pingLoop(ctx context.Context, sc *streamConn) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c := sc.get(); c != nil {
				_ = c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}

// run reads until the connection fails, then reconnects with exponential
// backoff, reporting each transition to the listener.
func (s *Stream) run(ctx context.Context, sc *streamConn) {
	defer s.wg.Done()
	for {
		err := s.readLoop(ctx, sc.get())
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("binance stream dropped", logger.Error(err))
		if s.metrics != nil {
			s.metrics.RecordError("binance_stream")
		}
		s.listener.OnError(err)
		s.notify(ctx, models.Disconnected)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.ReconnectDelay
		b.MaxInterval = s.cfg.MaxReconnectDelay
		b.MaxElapsedTime = 0

		var conn *websocket.Conn
		s.notify(ctx, models.Reconnecting)
		err = backoff.RetryNotify(func() error {
			c, err := s.dial(ctx, sc.pairs)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			if s.metrics != nil {
				s.metrics.RecordRetry("binance_stream_connect")
			}
			s.logger.Warn("binance stream reconnect failed",
				logger.Duration("in", d),
				logger.Error(err))
			s.notify(ctx, models.Reconnecting)
		})
		if err != nil || ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		sc.set(conn)
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		s.notify(ctx, models.Connected)
	}
}

type aggTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type combinedMessage struct {
	Stream string   `json:"stream"`
	Data   aggTrade `json:"data"`
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	if conn == nil {
		return errors.New("binance stream: no connection")
	}
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance read: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t, ok := parseAggTrade(b)
		if !ok {
			continue
		}
		s.listener.OnTicker(t)
	}
}

// parseAggTrade ignores frames that are not aggTrade events.
func parseAggTrade(b []byte) (models.Ticker, bool) {
	var m combinedMessage
	if err := json.Unmarshal(b, &m); err != nil || m.Data.Event != "aggTrade" {
		return models.Ticker{}, false
	}
	price, err := decimal.NewFromString(m.Data.Price)
	if err != nil || !price.IsPositive() || m.Data.TradeTime <= 0 {
		return models.Ticker{}, false
	}
	var qty float64
	if q, err := decimal.NewFromString(m.Data.Quantity); err == nil && q.IsPositive() {
		qty = q.InexactFloat64()
	}
	return models.Ticker{
		Pair:      m.Data.Symbol,
		Value:     price.InexactFloat64(),
		Quantity:  qty,
		Timestamp: m.Data.TradeTime / 1000,
	}, true
}
