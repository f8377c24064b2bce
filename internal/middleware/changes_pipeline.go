package middleware

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	applogger "CoinPulse/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

var ErrPipelineStopped = errors.New("changes pipeline stopped")

type changesBatch struct {
	pair    string
	changes []models.PriceChanges
	queued  time.Time
}

// ChangesPipeline sits between the engine and the downstream sinks.
// Batches of one pair always land on the same worker so sinks see them in order.
// When every buffer is full Publish blocks; results are never dropped.
type ChangesPipeline struct {
	sinks   []domrepo.ChangesSink
	metrics domrepo.Metrics
	logger  *applogger.Logger

	workers    int
	bufSize    int
	maxRetries uint64
	retryDelay time.Duration
	shards     []chan changesBatch

	mu          sync.Mutex
	started     bool
	stopped     bool
	stopCh      chan struct{}
	cancelSinks context.CancelFunc
	wg          sync.WaitGroup
}

type PipelineOption func(*ChangesPipeline)

func WithWorkers(n int) PipelineOption {
	return func(p *ChangesPipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBufferSize sets the per-worker buffer.
func WithBufferSize(n int) PipelineOption {
	return func(p *ChangesPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithSinkRetry bounds how often a failing sink is retried per batch.
func WithSinkRetry(maxRetries int, delay time.Duration) PipelineOption {
	return func(p *ChangesPipeline) {
		if maxRetries >= 0 {
			p.maxRetries = uint64(maxRetries)
		}
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

func WithLogger(l *applogger.Logger) PipelineOption {
	return func(p *ChangesPipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewChangesPipeline(metrics domrepo.Metrics, sinks []domrepo.ChangesSink, opts ...PipelineOption) *ChangesPipeline {
	p := &ChangesPipeline{
		sinks:      sinks,
		metrics:    metrics,
		logger:     applogger.Nop(),
		workers:    4,
		bufSize:    1000,
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.shards = make([]chan changesBatch, p.workers)
	for i := range p.shards {
		p.shards[i] = make(chan changesBatch, p.bufSize)
	}
	return p
}

func (p *ChangesPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	// Sink calls outlive ctx so batches queued before Stop still get delivered.
	sinkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelSinks = cancel
	for _, ch := range p.shards {
		p.wg.Add(1)
		go p.run(sinkCtx, ch)
	}
	p.logger.Info("changes pipeline started",
		applogger.Int("workers", p.workers),
		applogger.Int("sinks", len(p.sinks)),
	)
}

// Stop drains what is already buffered and waits for the workers.
func (p *ChangesPipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancelSinks
	p.mu.Unlock()

	close(p.stopCh)
	if started {
		p.wg.Wait()
		cancel()
	}
}

// Publish enqueues changes for every sink. It matches the engine's changes receiver.
func (p *ChangesPipeline) Publish(ctx context.Context, pair string, changes []models.PriceChanges) error {
	if len(changes) == 0 {
		return nil
	}
	if err := validateChanges(pair, changes); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	b := changesBatch{pair: pair, changes: changes, queued: time.Now()}
	ch := p.shards[p.shardFor(pair)]

	select {
	case ch <- b:
		return nil
	default:
	}
	p.metrics.RecordError("pipeline_backpressure")
	select {
	case ch <- b:
		return nil
	case <-p.stopCh:
		return ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ChangesPipeline) shardFor(pair string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *ChangesPipeline) run(ctx context.Context, ch chan changesBatch) {
	defer p.wg.Done()
	for {
		select {
		case b := <-ch:
			p.deliver(ctx, b)
		case <-p.stopCh:
			for {
				select {
				case b := <-ch:
					p.deliver(ctx, b)
				default:
					return
				}
			}
		}
	}
}

func (p *ChangesPipeline) deliver(ctx context.Context, b changesBatch) {
	for _, sink := range p.sinks {
		start := time.Now()
		op := func() error {
			return sink.Publish(ctx, b.pair, b.changes)
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), p.maxRetries),
			ctx,
		)
		notify := func(err error, wait time.Duration) {
			p.metrics.RecordRetry("sink_" + sink.Name())
			p.logger.Warn("sink publish failed, retrying",
				applogger.String("sink", sink.Name()),
				applogger.String("pair", b.pair),
				applogger.Duration("wait", wait),
				applogger.Error(err),
			)
		}
		if err := backoff.RetryNotify(op, policy, notify); err != nil {
			p.metrics.RecordError("sink_" + sink.Name())
			p.logger.Error("sink publish gave up",
				applogger.String("sink", sink.Name()),
				applogger.String("pair", b.pair),
				applogger.Int("changes", len(b.changes)),
				applogger.Error(err),
			)
			continue
		}
		p.metrics.RecordChangesPublished(sink.Name(), len(b.changes))
		p.metrics.RecordLatency("sink_"+sink.Name(), time.Since(start).Seconds())
	}
	p.metrics.RecordLatency("pipeline_queue", time.Since(b.queued).Seconds())
}

func validateChanges(pair string, changes []models.PriceChanges) error {
	if pair == "" {
		return fmt.Errorf("pair empty")
	}
	for _, pc := range changes {
		if pc.Pair != pair {
			return fmt.Errorf("changes for %q in batch of %q", pc.Pair, pair)
		}
		if pc.PeriodSeconds <= 0 {
			return fmt.Errorf("invalid period %d for %s", pc.PeriodSeconds, pair)
		}
	}
	return nil
}
