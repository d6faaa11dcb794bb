package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestInMemoryCache_Expiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewInMemoryCache[string, int](time.Minute, WithClock(clk.Now), WithCleanupInterval(0))
	defer c.Close()

	c.Set("a", 1, 0)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit a=1, got %v %v", v, ok)
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("entry must still be live exactly at ttl")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss after ttl")
	}
	if c.Size() != 0 {
		t.Fatalf("expired entry should be dropped on read, size=%d", c.Size())
	}
}

func TestInMemoryCache_DeleteAndClear(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute, WithCleanupInterval(0))
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Hour)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should be deleted")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, size=%d", c.Size())
	}
}

func TestInMemoryCache_CleanupRemovesExpired(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := NewInMemoryCache[int, string](time.Second, WithClock(clk.Now), WithCleanupInterval(0))
	defer c.Close()

	c.Set(1, "x", 0)
	c.Set(2, "y", time.Hour)
	clk.Advance(2 * time.Second)
	c.cleanup()
	if c.Size() != 1 {
		t.Fatalf("expected 1 live entry, got %d", c.Size())
	}
}
