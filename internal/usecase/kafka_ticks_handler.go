package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	pkgkafka "CoinPulse/pkg/kafka"
)

// KafkaTicksHandler turns tick messages into ticker deliveries.
type KafkaTicksHandler struct {
	topic    string
	pairs    map[string]struct{}
	listener domrepo.TickerListener
	metrics  domrepo.Metrics
}

// NewKafkaTicksHandler forwards ticks of pairs (all pairs when empty) to listener.
func NewKafkaTicksHandler(topic string, pairs []string, listener domrepo.TickerListener, metrics domrepo.Metrics) *KafkaTicksHandler {
	set := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		set[p] = struct{}{}
	}
	return &KafkaTicksHandler{topic: topic, pairs: set, listener: listener, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

// incoming message schema: {symbol, t, c, v}
func (h *KafkaTicksHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		Symbol string  `json:"symbol"`
		T      int64   `json:"t"`
		C      float64 `json:"c"`
		V      float64 `json:"v"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if m.Symbol == "" || m.C <= 0 {
		h.metrics.RecordError("consumer_invalid_tick")
		return fmt.Errorf("invalid tick %q at %d", m.Symbol, m.T)
	}
	if len(h.pairs) > 0 {
		if _, ok := h.pairs[m.Symbol]; !ok {
			return nil
		}
	}
	if m.T > 1e11 { // ms
		m.T = m.T / 1000
	}
	h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(time.Unix(m.T, 0)).Seconds())

	if m.V < 0 {
		m.V = 0
	}
	h.listener.OnTicker(models.Ticker{Pair: m.Symbol, Value: m.C, Quantity: m.V, Timestamp: m.T})
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)
