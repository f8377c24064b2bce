package queue

import (
	"errors"
	"sync"
	"time"
)

// DefaultFlushInterval is the cadence at which queued messages are delivered.
const DefaultFlushInterval = 100 * time.Millisecond

var ErrQueueStopped = errors.New("queue stopped")

// Handler receives queued messages one at a time, in enqueue order.
type Handler[T any] func(T)

// MessageQueue buffers messages and hands them to a single handler on a fixed
// cadence. Delivery is coalesced per tick; message content is never merged.
type MessageQueue[T any] struct {
	handler  Handler[T]
	interval time.Duration

	mu      sync.Mutex
	pending []T
	started bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type Option[T any] func(*MessageQueue[T])

func WithFlushInterval[T any](d time.Duration) Option[T] {
	return func(q *MessageQueue[T]) {
		if d > 0 {
			q.interval = d
		}
	}
}

func NewMessageQueue[T any](handler Handler[T], opts ...Option[T]) *MessageQueue[T] {
	q := &MessageQueue[T]{
		handler:  handler,
		interval: DefaultFlushInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the flush loop. Calling it more than once is a no-op.
func (q *MessageQueue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.loop()
}

// Add enqueues msg for the next flush.
func (q *MessageQueue[T]) Add(msg T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	q.pending = append(q.pending, msg)
	return nil
}

// Len reports the number of messages waiting for delivery.
func (q *MessageQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop delivers whatever is still queued and ends the loop.
func (q *MessageQueue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	if started {
		close(q.stopCh)
		<-q.doneCh
		return
	}
	q.flush()
}

func (q *MessageQueue[T]) loop() {
	defer close(q.doneCh)
	t := time.NewTicker(q.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.flush()
		case <-q.stopCh:
			q.flush()
			return
		}
	}
}

func (q *MessageQueue[T]) flush() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, msg := range batch {
		q.handler(msg)
	}
}
