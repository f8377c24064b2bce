package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type sample struct {
	Pair  string  `json:"pair"`
	Price float64 `json:"price"`
}

func TestMemoryCacheRoundTripsStructs(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", sample{Pair: "BTCUSDT", Price: 1.5}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got sample
	if err := c.Get(ctx, "k", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pair != "BTCUSDT" || got.Price != 1.5 {
		t.Fatalf("unexpected value %+v", got)
	}

	typed, err := MGetTyped[sample](ctx, c, "k", "missing")
	if err != nil || len(typed) != 1 || typed["k"].Price != 1.5 {
		t.Fatalf("unexpected MGetTyped %v %v", typed, err)
	}
}

func TestMemoryCacheExpiryAndEviction(t *testing.T) {
	c := NewMemoryCache(WithMemoryMaxSize(2))
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "short", "x", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	var s string
	if err := c.Get(ctx, "short", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}

	_ = c.Set(ctx, "a", "1", time.Minute)
	time.Sleep(time.Millisecond)
	_ = c.Set(ctx, "b", "2", time.Minute)
	time.Sleep(time.Millisecond)
	_ = c.Set(ctx, "c", "3", time.Minute)
	if ok, _ := c.Exists(ctx, "a"); ok {
		t.Fatalf("expected least recently used key to be evicted")
	}
	if err := c.Get(ctx, "c", &s); err != nil || s != "3" {
		t.Fatalf("unexpected c=%q err=%v", s, err)
	}
	if k := GenerateKeyWithParams("changes", "BTCUSDT", 60); k != "changes:BTCUSDT:60" {
		t.Fatalf("unexpected key %q", k)
	}
}
