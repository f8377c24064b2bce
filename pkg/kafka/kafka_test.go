package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type funcHandler struct {
	topic string
	fn    func([]byte) error
}

func (h funcHandler) Topic() string                            { return h.topic }
func (h funcHandler) Handle(_ context.Context, b []byte) error { return h.fn(b) }

func TestProducerEncodesBatch(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, nil)
	err := p.PublishBatch(context.Background(), "changes", []Message{
		{Key: []byte("BTCUSDT"), Value: map[string]int{"period": 60}},
		{Key: []byte("ETHUSDT"), Value: "raw"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := w.written()
	if len(msgs) != 2 || msgs[0].Topic != "changes" || string(msgs[0].Key) != "BTCUSDT" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	var v map[string]int
	if err := json.Unmarshal(msgs[0].Value, &v); err != nil || v["period"] != 60 {
		t.Fatalf("unexpected payload %s", msgs[0].Value)
	}
	if string(msgs[1].Value) != "raw" {
		t.Fatalf("strings must be sent as is, got %s", msgs[1].Value)
	}

	w.err = errors.New("broker down")
	if err := p.PublishMessage(context.Background(), "logs", []string{"x"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumerHandlesRetriesAndDLQ(t *testing.T) {
	reader := &fakeReader{ch: make(chan kafka.Message, 4)}
	c, err := NewConsumerWithReaderFactory(func(*ConsumerConfig, string) Reader { return reader },
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	dlq := &fakeWriter{}
	c.dlq = dlq
	c.cfg.DLQTopic = "ticks.dlq"

	var mu sync.Mutex
	var handled []string
	attempts := map[string]int{}
	err = c.RegisterHandler(funcHandler{topic: "ticks", fn: func(b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[string(b)]++
		switch {
		case string(b) == "flaky" && attempts["flaky"] == 1:
			return errors.New("transient")
		case string(b) == "poison":
			return errors.New("bad payload")
		}
		handled = append(handled, string(b))
		return nil
	}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.RegisterHandler(funcHandler{topic: "ticks"}); err == nil {
		t.Fatalf("expected duplicate handler error")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	reader.ch <- kafka.Message{Topic: "ticks", Offset: 1, Value: []byte("ok")}
	reader.ch <- kafka.Message{Topic: "ticks", Offset: 2, Value: []byte("flaky")}
	reader.ch <- kafka.Message{Topic: "ticks", Offset: 3, Value: []byte("poison")}

	waitUntil(t, func() bool { return len(reader.commits()) == 3 })
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != "ok" || handled[1] != "flaky" {
		t.Fatalf("unexpected handled %v", handled)
	}
	if attempts["poison"] != 3 {
		t.Fatalf("expected 1 try + 2 retries for poison, got %d", attempts["poison"])
	}
	out := dlq.written()
	if len(out) != 1 || string(out[0].Value) != "poison" || out[0].Topic != "ticks.dlq" {
		t.Fatalf("unexpected dlq %+v", out)
	}
}

func TestConsumerRequiresBrokers(t *testing.T) {
	if _, err := NewConsumer(); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
