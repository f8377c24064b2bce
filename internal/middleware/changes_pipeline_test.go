package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CoinPulse/internal/domain/models"
	"CoinPulse/pkg/metrics"
)

type recordingSink struct {
	name    string
	mu      sync.Mutex
	batches map[string][][]models.PriceChanges
	failN   int
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, batches: make(map[string][][]models.PriceChanges)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, pair string, changes []models.PriceChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink unavailable")
	}
	s.batches[pair] = append(s.batches[pair], changes)
	return nil
}

func (s *recordingSink) count(pair string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[pair])
}

func changesFor(pair string, last float64) []models.PriceChanges {
	return []models.PriceChanges{{Pair: pair, PeriodSeconds: 60, LastPrice: last}}
}

func TestPipelineDeliversInOrderPerPair(t *testing.T) {
	sink := newRecordingSink("mem")
	p := NewChangesPipeline(metrics.Noop{}, nil, WithWorkers(3), WithBufferSize(2))
	p.sinks = append(p.sinks, sink)
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		for _, pair := range []string{"BTCUSDT", "ETHUSDT"} {
			if err := p.Publish(context.Background(), pair, changesFor(pair, float64(i))); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}
	p.Stop()

	for _, pair := range []string{"BTCUSDT", "ETHUSDT"} {
		got := sink.batches[pair]
		if len(got) != 50 {
			t.Fatalf("%s: expected 50 batches, got %d", pair, len(got))
		}
		for i, b := range got {
			if b[0].LastPrice != float64(i) {
				t.Fatalf("%s: batch %d out of order (%v)", pair, i, b[0].LastPrice)
			}
		}
	}
}

func TestPipelineRetriesFailingSink(t *testing.T) {
	sink := newRecordingSink("flaky")
	sink.failN = 2
	p := NewChangesPipeline(metrics.Noop{}, nil, WithSinkRetry(3, time.Millisecond))
	p.sinks = append(p.sinks, sink)
	p.Start(context.Background())

	if err := p.Publish(context.Background(), "BTCUSDT", changesFor("BTCUSDT", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p.Stop()
	if sink.count("BTCUSDT") != 1 {
		t.Fatalf("expected delivery after retries, got %d", sink.count("BTCUSDT"))
	}
}

func TestPipelineRejectsMismatchedBatch(t *testing.T) {
	p := NewChangesPipeline(metrics.Noop{}, nil)
	err := p.Publish(context.Background(), "BTCUSDT", changesFor("ETHUSDT", 1))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPipelinePublishAfterStopWhenFull(t *testing.T) {
	p := NewChangesPipeline(metrics.Noop{}, nil, WithWorkers(1), WithBufferSize(1))
	if err := p.Publish(context.Background(), "X", changesFor("X", 1)); err != nil {
		t.Fatalf("first publish should buffer: %v", err)
	}
	p.Stop()
	if err := p.Publish(context.Background(), "X", changesFor("X", 2)); !errors.Is(err, ErrPipelineStopped) {
		t.Fatalf("expected ErrPipelineStopped, got %v", err)
	}
}

// ctxSink fails like a network client once its context is cancelled.
type ctxSink struct {
	mu        sync.Mutex
	calls     int
	delivered int
}

func (s *ctxSink) Name() string { return "ctx" }

func (s *ctxSink) Publish(ctx context.Context, _ string, _ []models.PriceChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	s.delivered++
	return nil
}

func (s *ctxSink) snapshot() (calls, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.delivered
}

func TestPipelineDeliversAfterStartContextCancelled(t *testing.T) {
	sink := &ctxSink{}
	p := NewChangesPipeline(metrics.Noop{}, nil, WithWorkers(1), WithSinkRetry(1, time.Millisecond))
	p.sinks = append(p.sinks, sink)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	// the app's signal context ends before Stop is reached
	cancel()

	if err := p.Publish(context.Background(), "BTCUSDT", changesFor("BTCUSDT", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls, _ := sink.snapshot(); calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sink never called")
		}
		time.Sleep(time.Millisecond)
	}
	p.Stop()

	if calls, delivered := sink.snapshot(); delivered != 1 {
		t.Fatalf("delivered %d of %d calls, want 1", delivered, calls)
	}
}
