package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func entry(body string, ttl time.Duration) Entry {
	return Entry{Response: json.RawMessage(body), PayloadHash: "h", TTL: ttl}
}

func TestCacheGetSetAndAge(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(WithClock(clock.Now))
	ctx := context.Background()
	key := Key{Namespace: "place_order", Token: "tok-1", Workspace: "ws-1"}

	if hit, _ := c.Get(ctx, key); hit != nil {
		t.Fatalf("expected miss on empty cache")
	}

	stored, err := c.Set(ctx, key, entry(`{"orderId":"a"}`, time.Minute))
	if err != nil || !stored {
		t.Fatalf("expected first set to store, got %v %v", stored, err)
	}

	clock.Advance(10 * time.Second)
	hit, err := c.Get(ctx, key)
	if err != nil || hit == nil {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}
	if !hit.Idempotent {
		t.Fatalf("hits must be flagged idempotent")
	}
	if hit.CacheAge != 10*time.Second {
		t.Fatalf("expected age 10s, got %v", hit.CacheAge)
	}
	if string(hit.Response) != `{"orderId":"a"}` {
		t.Fatalf("unexpected response: %s", hit.Response)
	}

	otherWs := key
	otherWs.Workspace = "ws-2"
	if hit, _ := c.Get(ctx, otherWs); hit != nil {
		t.Fatalf("workspaces must not share entries")
	}
}

func TestCacheFirstWriterWins(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(WithClock(clock.Now))
	ctx := context.Background()
	key := Key{Namespace: "place_order", Token: "tok", Workspace: "ws"}

	c.Set(ctx, key, entry(`1`, time.Minute))
	stored, _ := c.Set(ctx, key, entry(`2`, time.Minute))
	if stored {
		t.Fatalf("second writer must not overwrite")
	}
	hit, _ := c.Get(ctx, key)
	if string(hit.Response) != `1` {
		t.Fatalf("expected first response, got %s", hit.Response)
	}

	// 过期后允许新的一代写入
	clock.Advance(2 * time.Minute)
	stored, _ = c.Set(ctx, key, entry(`3`, time.Minute))
	if !stored {
		t.Fatalf("expected a new generation after expiry")
	}
}

func TestCacheExpiryEvictsOnRead(t *testing.T) {
	clock := newFakeClock()
	evicted := 0
	c := NewCache(WithClock(clock.Now), WithEvictHook(func(n int) { evicted += n }))
	ctx := context.Background()
	key := Key{Namespace: "flatten", Token: "t", Workspace: "ws"}

	c.Set(ctx, key, entry(`{}`, 30*time.Second))
	clock.Advance(30 * time.Second)

	if hit, _ := c.Get(ctx, key); hit != nil {
		t.Fatalf("entry read at exactly its expiry must be absent")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be evicted by the read, len=%d", c.Len())
	}
	if evicted != 1 {
		t.Fatalf("expected evict hook to see 1, got %d", evicted)
	}
}

func TestCacheClearModes(t *testing.T) {
	c := NewCache()
	ctx := context.Background()
	seed := func() {
		c.Clear(ctx, Scope{})
		c.Set(ctx, Key{"place_order", "k1", "ws-1"}, entry(`1`, time.Hour))
		c.Set(ctx, Key{"place_order", "k1", "ws-2"}, entry(`2`, time.Hour))
		c.Set(ctx, Key{"place_order", "k2", "ws-1"}, entry(`3`, time.Hour))
		c.Set(ctx, Key{"flatten", "k1", "ws-1"}, entry(`4`, time.Hour))
	}

	seed()
	n, _ := c.Clear(ctx, Scope{Namespace: "place_order", Token: "k1", Workspace: "ws-1"})
	if n != 1 || c.Len() != 3 {
		t.Fatalf("exact clear: removed %d, left %d", n, c.Len())
	}

	seed()
	n, _ = c.Clear(ctx, Scope{Namespace: "place_order", Token: "k1"})
	if n != 2 || c.Len() != 2 {
		t.Fatalf("all-workspaces clear: removed %d, left %d", n, c.Len())
	}

	seed()
	n, _ = c.Clear(ctx, Scope{Token: "k1"})
	if n != 3 {
		t.Fatalf("token clear across namespaces: removed %d", n)
	}

	seed()
	n, _ = c.Clear(ctx, Scope{})
	if n != 4 || c.Len() != 0 {
		t.Fatalf("clear all: removed %d, left %d", n, c.Len())
	}
}

func TestCacheSweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(WithClock(clock.Now))
	ctx := context.Background()

	c.Set(ctx, Key{"a", "1", "ws"}, entry(`1`, time.Second))
	c.Set(ctx, Key{"a", "2", "ws"}, entry(`2`, time.Hour))
	clock.Advance(time.Minute)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 live entry, got %d", c.Len())
	}
}

func TestCacheBackgroundSweepStops(t *testing.T) {
	clock := newFakeClock()
	swept := make(chan int, 10)
	c := NewCache(
		WithClock(clock.Now),
		WithSweepInterval(5*time.Millisecond),
		WithEvictHook(func(n int) { swept <- n }),
	)
	c.Set(context.Background(), Key{"a", "1", "ws"}, entry(`1`, time.Second))
	clock.Advance(time.Minute)

	c.Start(context.Background())
	c.Start(context.Background())

	select {
	case n := <-swept:
		if n != 1 {
			t.Fatalf("expected 1 evicted, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("background sweep did not run")
	}

	c.Stop()
	c.Stop()
	if c.Len() != 0 {
		t.Fatalf("expected cache to be empty after sweep")
	}
}
