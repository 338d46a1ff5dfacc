package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryCache_LRU(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	defer c.Close()

	_ = c.Set(ctx, "a", 1, 0)
	_ = c.Set(ctx, "b", 2, 0)
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Fatalf("Get a: %v", err)
	}
	_ = c.Set(ctx, "c", 3, 0)

	if _, err := c.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected least recently used key to be evicted, got %v", err)
	}
	if v, err := GetAs[int](ctx, c, "a"); err != nil || v != 1 {
		t.Errorf("GetAs a = %v, %v", v, err)
	}

	stats := c.Stats()
	if stats.Entries != 2 || stats.Capacity != 2 || stats.Evictions != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits/misses: %+v", stats)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(2)
	c.now = clock.now

	_ = c.Set(ctx, "short", 1, time.Second)
	_ = c.Set(ctx, "forever", 2, 0)

	clock.advance(2 * time.Second)
	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired key to be gone, got %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Errorf("non-expiring key: %v", err)
	}
}

func TestMemoryCache_EvictsExpiredFirst(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(2)
	c.now = clock.now

	_ = c.Set(ctx, "old", 1, 0)
	_ = c.Set(ctx, "stale", 2, time.Second)
	_, _ = c.Get(ctx, "old")
	_, _ = c.Get(ctx, "stale") // "old" is now least recently used

	clock.advance(2 * time.Second)
	_ = c.Set(ctx, "new", 3, 0)

	if _, err := c.Get(ctx, "old"); err != nil {
		t.Errorf("live entry should survive while an expired one exists: %v", err)
	}
	if c.Stats().Evictions != 0 {
		t.Errorf("dropping an expired entry is not an eviction: %+v", c.Stats())
	}

	_ = c.Delete(ctx, "old")
	if _, err := c.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key still present: %v", err)
	}
}
