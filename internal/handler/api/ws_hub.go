package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/internal/service/metrics"
	applogger "CoinPulse/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 256
)

type wsEnvelope struct {
	Type string      `json:"type"`
	Pair string      `json:"pair,omitempty"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	pairs map[string]struct{}
	once  sync.Once
}

func (c *wsClient) wants(pair string) bool {
	if len(c.pairs) == 0 {
		return true
	}
	_, ok := c.pairs[pair]
	return ok
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub pushes changes and engine status to websocket clients. A client may
// narrow changes with ?pairs=BTCUSDT,ETHUSDT; status goes to everyone. Slow
// clients lose messages instead of stalling the engine.
type Hub struct {
	upgrader websocket.Upgrader
	format   func(string) string
	metrics  *metrics.HubMetrics
	logger   *applogger.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

func NewHub(format func(string) string, m *metrics.HubMetrics, l *applogger.Logger) *Hub {
	if l == nil {
		l = applogger.Nop()
	}
	if m == nil {
		m = metrics.NewHubMetrics(nil)
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		format:  format,
		metrics: m,
		logger:  l,
		clients: make(map[*wsClient]struct{}),
	}
}

// OnChanges matches usecase.ChangesListener.
func (h *Hub) OnChanges(pair string, changes []models.PriceChanges) {
	b, err := json.Marshal(wsEnvelope{Type: "changes", Pair: pair, Data: models.ChangesViews(changes, h.format)})
	if err != nil {
		h.logger.Error("ws marshal changes", applogger.Error(err))
		return
	}
	h.broadcast("changes", b, func(c *wsClient) bool { return c.wants(pair) })
}

// OnMessage forwards engine status messages.
func (h *Hub) OnMessage(msg models.EngineMessage) {
	b, err := json.Marshal(wsEnvelope{Type: "status", Data: msg})
	if err != nil {
		h.logger.Error("ws marshal status", applogger.Error(err))
		return
	}
	h.broadcast("status", b, nil)
}

func (h *Hub) broadcast(kind string, b []byte, filter func(*wsClient) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if filter != nil && !filter(c) {
			continue
		}
		select {
		case c.send <- b:
			h.metrics.Sent.WithLabelValues(kind).Inc()
		default:
			h.metrics.Dropped.WithLabelValues(kind).Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and runs the client until it disconnects.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response
		return nil
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), pairs: parsePairs(c.QueryParam("pairs"))}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.Accepted.Inc()
	h.metrics.Clients.Inc()
	h.logger.Debug("ws client connected", applogger.String("remote", c.RealIP()))

	go h.writeLoop(client)
	h.readLoop(client)
	return nil
}

// readLoop only serves control frames; it returns once the client is gone.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws client read failed", applogger.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.Clients.Dec()
		c.close()
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		h.metrics.Clients.Dec()
		c.close()
	}
}

func parsePairs(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
