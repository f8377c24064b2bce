package queue

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) handle(v int) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

func TestMessageQueuePreservesOrder(t *testing.T) {
	r := &recorder{}
	q := NewMessageQueue[int](r.handle, WithFlushInterval[int](5*time.Millisecond))
	q.Start()
	for i := 0; i < 100; i++ {
		if err := q.Add(i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(r.snapshot()) < 100 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	q.Stop()

	got := r.snapshot()
	if len(got) != 100 {
		t.Fatalf("expected 100 messages, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestMessageQueueDefersDelivery(t *testing.T) {
	r := &recorder{}
	q := NewMessageQueue[int](r.handle, WithFlushInterval[int](time.Hour))
	q.Start()
	_ = q.Add(1)
	_ = q.Add(2)
	if n := len(r.snapshot()); n != 0 {
		t.Fatalf("expected no delivery before flush, got %d", n)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Len())
	}
	q.Stop()
	if got := r.snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected final flush [1 2], got %v", got)
	}
}

func TestMessageQueueRejectsAfterStop(t *testing.T) {
	r := &recorder{}
	q := NewMessageQueue[int](r.handle)
	_ = q.Add(7)
	q.Stop()
	q.Stop()
	if err := q.Add(8); err != ErrQueueStopped {
		t.Fatalf("expected ErrQueueStopped, got %v", err)
	}
	if got := r.snapshot(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected [7], got %v", got)
	}
}
