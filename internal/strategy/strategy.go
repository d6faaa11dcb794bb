package strategy

import (
	"math"

	"github.com/moebius/tradewatch/internal/domain"
)

// Result 策略判定结果
type Result struct {
	Valid       bool     // 是否值得告警
	Escalate    bool     // 是否需要 @ 订阅人
	Subscribers []string // Escalate 时附带的订阅人
	Basis       *Basis   // 聚合策略命中时的判定依据
}

// Basis 判定实际使用的窗口和涨跌幅基准价，告警按它汇总
type Basis struct {
	Windows   domain.WindowSeries
	Reference float64
}

func (r Result) withBasis(windows domain.WindowSeries, reference float64) Result {
	r.Basis = &Basis{Windows: windows, Reference: reference}
	return r
}

// Invalid 空结果
var Invalid = Result{}

// WindowParams 聚合窗口查询参数
type WindowParams struct {
	IntervalMinutes int
	RangeMinutes    int
}

// Strategy 所有策略的公共部分
type Strategy interface {
	Name() string
}

// AggregatedStrategy 基于聚合窗口的策略（纯函数，不做 I/O）
type AggregatedStrategy interface {
	Strategy
	Params() WindowParams
	Evaluate(trade domain.TradeEvent, series domain.WindowSeries) Result
}

// HistoryStrategy 基于逐笔成交历史的策略（纯函数，不做 I/O）
// histories 最新的在前
type HistoryStrategy interface {
	Strategy
	Count() int
	Evaluate(trade domain.TradeEvent, histories []domain.TradeEvent) Result
}

func escalated(subscribers []string) Result {
	return Result{Valid: true, Escalate: true, Subscribers: subscribers}
}

func valid(escalate bool, subscribers []string) Result {
	if escalate {
		return escalated(subscribers)
	}
	return Result{Valid: true}
}

// averageVolume 窗口成交量均值
func averageVolume(ws domain.WindowSeries) (float64, bool) {
	if len(ws) == 0 {
		return 0, false
	}
	var sum float64
	for _, w := range ws {
		sum += w.TotalTransactionVolume
	}
	return sum / float64(len(ws)), true
}

// averageTransactionPrice 窗口成交额均值
func averageTransactionPrice(ws domain.WindowSeries) (float64, bool) {
	if len(ws) == 0 {
		return 0, false
	}
	var sum float64
	for _, w := range ws {
		sum += w.TotalTransactionPrice
	}
	return sum / float64(len(ws)), true
}

// averageUnitPrice 有成交窗口的均价平均值，结果不为正时返回 false
func averageUnitPrice(ws domain.WindowSeries) (float64, bool) {
	var sum float64
	var n int
	for _, w := range ws {
		if up, ok := w.UnitPrice(); ok {
			sum += up
			n++
		}
	}
	if n == 0 || sum <= 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// ratio a/b，b <= 0 时返回 false
func ratio(a, b float64) (float64, bool) {
	if b <= 0 {
		return 0, false
	}
	return a / b, true
}

// volumeMultiplier 最新窗口成交量 / 之前窗口平均成交量
func volumeMultiplier(latest domain.AggregatedWindow, previous domain.WindowSeries) (float64, bool) {
	avg, ok := averageVolume(previous)
	if !ok {
		return 0, false
	}
	return ratio(latest.TotalTransactionVolume, avg)
}

// transactionPriceGrowth 最新窗口成交额 / 之前窗口平均成交额
func transactionPriceGrowth(latest domain.AggregatedWindow, previous domain.WindowSeries) (float64, bool) {
	avg, ok := averageTransactionPrice(previous)
	if !ok {
		return 0, false
	}
	return ratio(latest.TotalTransactionPrice, avg)
}

// priceChangeRate price/reference - 1
func priceChangeRate(price, reference float64) (float64, bool) {
	r, ok := ratio(price, reference)
	if !ok {
		return 0, false
	}
	return r - 1, true
}

// priceRateReached |price/reference - 1| >= threshold
func priceRateReached(price, reference, threshold float64) bool {
	rate, ok := priceChangeRate(price, reference)
	return ok && math.Abs(rate) >= threshold
}

// totalValidPriceReached |Σ(bid - ask)| >= threshold
func totalValidPriceReached(ws domain.WindowSeries, threshold float64) bool {
	return math.Abs(ws.TotalValidPrice()) >= threshold
}
