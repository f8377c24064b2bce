package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	bucket map[string]*rate.Limiter
}

// New allows perSecond events per key with the given burst.
func New(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limit: rate.Limit(perSecond), burst: burst, bucket: make(map[string]*rate.Limiter)}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bucket[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.bucket[key] = b
	}
	return b
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// WaitN blocks until n tokens are available for key or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, key string, n int) error {
	if n > l.burst {
		n = l.burst
	}
	return l.get(key).WaitN(ctx, n)
}
