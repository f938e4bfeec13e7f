package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, max int) (*Cache[string], *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	c := New[string](ttl, max)
	c.now = clk.Now
	return c, clk
}

func TestCache_SetGetExpire(t *testing.T) {
	c, clk := newTestCache(time.Minute, 0)
	defer c.Stop()

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to expire")
	}

	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	defer c.Stop()
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		return "loaded", nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "k", load)
		if err != nil || v != "loaded" {
			t.Fatalf("got %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	defer c.Stop()

	boom := errors.New("boom")
	if _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if c.GetStats().Size != 0 {
		t.Fatal("error result was cached")
	}
}

func TestCache_DeletePrefix(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	defer c.Stop()

	c.Set("list:10", "x")
	c.Set("list:20", "y")
	c.Set("call:1", "z")

	if n := c.DeletePrefix("list:"); n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, ok := c.Get("call:1"); !ok {
		t.Fatal("unrelated key removed")
	}
}

func TestCache_EvictsWhenFull(t *testing.T) {
	c, clk := newTestCache(time.Minute, 2)
	defer c.Stop()

	c.Set("old", "1")
	clk.Advance(time.Second)
	c.Set("new", "2")
	c.Set("newest", "3")

	if _, ok := c.Get("old"); ok {
		t.Fatal("expected the entry closest to expiry to be evicted")
	}
	if c.GetStats().Size != 2 {
		t.Fatalf("expected size 2, got %d", c.GetStats().Size)
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New[int](time.Second, 0)
	c.Stop()
	c.Stop()
}
