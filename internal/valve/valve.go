package valve

import (
	"sync"
	"time"

	"github.com/moebius/tradewatch/internal/domain"
)

// Valve 按 key 节流告警：同一个 key 在 minInterval 分钟内只放行一次
// CanSend 与 RecordSent 之间不加锁，并发时可能多放行一次
type Valve struct {
	records sync.Map // key -> time.Time（最近一次发送时间）
	now     func() time.Time
}

// New 创建 Valve，now 为空时使用 time.Now
func New(now func() time.Time) *Valve {
	if now == nil {
		now = time.Now
	}
	return &Valve{now: now}
}

// Key 交易对节流 key
func Key(exchange domain.Exchange, symbol string) string {
	return domain.MarketKey(exchange, symbol)
}

// CanSend 没有记录，或距上次发送已过 minIntervalMinutes 分钟
func (v *Valve) CanSend(key string, minIntervalMinutes int) bool {
	last, ok := v.records.Load(key)
	if !ok {
		return true
	}
	next := last.(time.Time).Add(time.Duration(minIntervalMinutes) * time.Minute)
	return !v.now().Before(next)
}

// RecordSent 记录发送时间（覆盖旧记录）
func (v *Valve) RecordSent(key string) {
	v.records.Store(key, v.now())
}
