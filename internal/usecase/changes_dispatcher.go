package usecase

import (
	"context"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	drepo "CoinPulse/internal/domain/repository"
	applogger "CoinPulse/pkg/logger"
)

// ChangesPublisher hands batches to downstream sinks.
type ChangesPublisher interface {
	Publish(ctx context.Context, pair string, changes []models.PriceChanges) error
}

// ChangesListener is an in-process consumer such as the websocket hub.
type ChangesListener func(pair string, changes []models.PriceChanges)

// ChangesDispatcher routes every recomputed batch to the sink pipeline and to
// in-process listeners. Its Dispatch method is the engine's changes receiver.
type ChangesDispatcher struct {
	pub     ChangesPublisher
	metrics drepo.Metrics
	logger  *applogger.Logger

	mu        sync.RWMutex
	listeners []ChangesListener
}

func NewChangesDispatcher(pub ChangesPublisher, metrics drepo.Metrics, logger *applogger.Logger) *ChangesDispatcher {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &ChangesDispatcher{pub: pub, metrics: metrics, logger: logger}
}

func (d *ChangesDispatcher) AddListener(l ChangesListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *ChangesDispatcher) Dispatch(ctx context.Context, pair string, changes []models.PriceChanges) {
	if len(changes) == 0 {
		return
	}
	start := time.Now()

	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, l := range listeners {
		l(pair, changes)
	}

	if d.pub != nil {
		if err := d.pub.Publish(ctx, pair, changes); err != nil {
			d.metrics.RecordError("dispatch")
			d.logger.Error("failed to hand changes to pipeline",
				applogger.String("pair", pair),
				applogger.Error(err),
			)
		}
	}
	d.metrics.RecordLatency("dispatch", time.Since(start).Seconds())
}
