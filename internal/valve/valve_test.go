package valve

import (
	"sync"
	"testing"
	"time"

	"github.com/moebius/tradewatch/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestValve_Interval(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	v := New(clk.Now)
	key := Key(domain.ExchangeUpbit, "KRW-BTC")

	if !v.CanSend(key, 5) {
		t.Fatalf("first send must be allowed")
	}
	v.RecordSent(key)

	if v.CanSend(key, 5) {
		t.Fatalf("immediately after send must be throttled")
	}
	clk.Advance(4*time.Minute + 59*time.Second)
	if v.CanSend(key, 5) {
		t.Fatalf("still inside interval")
	}
	clk.Advance(time.Second)
	if !v.CanSend(key, 5) {
		t.Fatalf("exactly 5 minutes later must be allowed")
	}

	// 其他 key 不受影响
	if !v.CanSend(Key(domain.ExchangeUpbit, "KRW-ETH"), 5) {
		t.Fatalf("independent key throttled")
	}
}

func TestValve_RecordOverwrites(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	v := New(clk.Now)

	v.RecordSent("k")
	clk.Advance(10 * time.Minute)
	v.RecordSent("k")
	if v.CanSend("k", 5) {
		t.Fatalf("latest record should be used")
	}
}

func TestValve_ConcurrentAccess(t *testing.T) {
	v := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.CanSend("k", 1) {
				v.RecordSent("k")
			}
		}()
	}
	wg.Wait()
	if v.CanSend("k", 1) {
		t.Fatalf("record must exist after concurrent sends")
	}
}
