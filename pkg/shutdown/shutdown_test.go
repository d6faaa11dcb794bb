package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_RunsAllCallbacks(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	m.OnShutdown("a", func(ctx context.Context) error { n.Add(1); return nil })
	m.OnShutdown("b", func(ctx context.Context) error { n.Add(1); return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.Shutdown(ctx) {
		t.Fatalf("expected clean shutdown")
	}
	if n.Load() != 2 {
		t.Fatalf("expected 2 callbacks, got %d", n.Load())
	}
}

func TestManager_Timeout(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("slow", func(ctx context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if m.Shutdown(ctx) {
		t.Fatalf("expected timeout")
	}
}
