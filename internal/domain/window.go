package domain

import "time"

// AggregatedWindow 一个时间窗口内的成交汇总（由数据服务计算）
type AggregatedWindow struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	TotalAskCount  int64   `json:"totalAskCount"`
	TotalAskVolume float64 `json:"totalAskVolume"`
	TotalAskPrice  float64 `json:"totalAskPrice"`

	TotalBidCount  int64   `json:"totalBidCount"`
	TotalBidVolume float64 `json:"totalBidVolume"`
	TotalBidPrice  float64 `json:"totalBidPrice"`

	TotalTransactionCount  int64   `json:"totalTransactionCount"`
	TotalTransactionVolume float64 `json:"totalTransactionVolume"`
	TotalTransactionPrice  float64 `json:"totalTransactionPrice"`
}

// UnitPrice 窗口均价，成交量为 0 时返回 false
func (w AggregatedWindow) UnitPrice() (float64, bool) {
	if w.TotalTransactionVolume == 0 {
		return 0, false
	}
	return w.TotalTransactionPrice / w.TotalTransactionVolume, true
}

// ValidPrice 净买入金额 = 主动买 - 主动卖
func (w AggregatedWindow) ValidPrice() float64 {
	return w.TotalBidPrice - w.TotalAskPrice
}

// HasVolume 窗口内是否有成交
func (w AggregatedWindow) HasVolume() bool {
	return w.TotalTransactionVolume > 0
}

// WindowSeries 按时间升序排列的窗口序列，最后一个是最新窗口
type WindowSeries []AggregatedWindow

// Filter 返回满足条件的窗口（保持顺序）
func (s WindowSeries) Filter(keep func(AggregatedWindow) bool) WindowSeries {
	out := make(WindowSeries, 0, len(s))
	for _, w := range s {
		if keep(w) {
			out = append(out, w)
		}
	}
	return out
}

// Latest 最新窗口
func (s WindowSeries) Latest() (AggregatedWindow, bool) {
	if len(s) == 0 {
		return AggregatedWindow{}, false
	}
	return s[len(s)-1], true
}

// Previous 除最新窗口外的所有窗口
func (s WindowSeries) Previous() WindowSeries {
	if len(s) == 0 {
		return nil
	}
	return s[:len(s)-1]
}

// TotalAskPrice 主动卖总金额
func (s WindowSeries) TotalAskPrice() float64 {
	var sum float64
	for _, w := range s {
		sum += w.TotalAskPrice
	}
	return sum
}

// TotalBidPrice 主动买总金额
func (s WindowSeries) TotalBidPrice() float64 {
	var sum float64
	for _, w := range s {
		sum += w.TotalBidPrice
	}
	return sum
}

// TotalValidPrice 净买入总金额
func (s WindowSeries) TotalValidPrice() float64 {
	return s.TotalBidPrice() - s.TotalAskPrice()
}
