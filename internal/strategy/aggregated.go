package strategy

import (
	"math"

	"github.com/moebius/tradewatch/internal/domain"
)

const (
	NameDefaultAggregated = "default_aggregated"
	NameSuddenTurn        = "sudden_turn"
	NameTransactionSurge  = "transaction_surge"
	NameShortTerm         = "short_term"
)

func init() {
	RegisterStrategy(NameDefaultAggregated, func(o map[string]float64, subs []string) (Strategy, error) {
		s := NewDefaultAggregated(subs)
		return s, s.override(o)
	})
	RegisterStrategy(NameSuddenTurn, func(o map[string]float64, subs []string) (Strategy, error) {
		s := NewSuddenTurn(subs)
		return s, s.override(o)
	})
	RegisterStrategy(NameTransactionSurge, func(o map[string]float64, subs []string) (Strategy, error) {
		s := NewTransactionSurge(subs)
		return s, s.override(o)
	})
	RegisterStrategy(NameShortTerm, func(o map[string]float64, subs []string) (Strategy, error) {
		s := NewShortTerm(subs)
		return s, s.override(o)
	})
}

// overrideWindow 在阈值覆盖之外支持 interval_minutes / range_minutes
func overrideWindow(o map[string]float64, p *WindowParams, fields map[string]*float64) error {
	interval, rng := float64(p.IntervalMinutes), float64(p.RangeMinutes)
	fields["interval_minutes"] = &interval
	fields["range_minutes"] = &rng
	if err := applyOverrides(o, fields); err != nil {
		return err
	}
	p.IntervalMinutes, p.RangeMinutes = int(interval), int(rng)
	return nil
}

// DefaultAggregated 最近 5 分钟（1 分钟粒度）
//   - 最新窗口成交量 >= 之前平均成交量 × VolumeMultiplier
//   - 成交价相对之前平均均价涨跌幅 >= PriceRate
//
// 净买入金额绝对值超过 TremendousValidPrice 时跳过成交量条件，并 @ 订阅人
type DefaultAggregated struct {
	Window               WindowParams
	VolumeMultiplier     float64
	PriceRate            float64
	TremendousValidPrice float64
	Subscribers          []string
}

func NewDefaultAggregated(subscribers []string) *DefaultAggregated {
	return &DefaultAggregated{
		Window:               WindowParams{IntervalMinutes: 1, RangeMinutes: 5},
		VolumeMultiplier:     10,
		PriceRate:            0.03,
		TremendousValidPrice: 100_000_000,
		Subscribers:          subscribers,
	}
}

func (s *DefaultAggregated) override(o map[string]float64) error {
	return overrideWindow(o, &s.Window, map[string]*float64{
		"volume_multiplier":      &s.VolumeMultiplier,
		"price_rate":             &s.PriceRate,
		"tremendous_valid_price": &s.TremendousValidPrice,
	})
}

func (s *DefaultAggregated) Name() string         { return NameDefaultAggregated }
func (s *DefaultAggregated) Params() WindowParams { return s.Window }

func (s *DefaultAggregated) Evaluate(trade domain.TradeEvent, series domain.WindowSeries) Result {
	windows := series.Filter(domain.AggregatedWindow.HasVolume)
	if len(windows) < 2 {
		return Invalid
	}
	latest, _ := windows.Latest()
	previous := windows.Previous()

	reference, ok := averageUnitPrice(previous)
	if !ok || !priceRateReached(trade.Price, reference, s.PriceRate) {
		return Invalid
	}

	tremendous := totalValidPriceReached(windows, s.TremendousValidPrice)
	multiplier, ok := volumeMultiplier(latest, previous)
	if !tremendous && (!ok || multiplier < s.VolumeMultiplier) {
		return Invalid
	}
	return valid(tremendous, s.Subscribers).withBasis(windows, reference)
}

// SuddenTurn 急转：只看成交额 >= MinTransactionPrice 的窗口
//   - 最新窗口成交量 >= 之前平均成交量 × VolumeMultiplier
//   - 成交价相对倒数第二个窗口均价涨跌幅 >= PriceRate
//
// 涨跌幅 >= EscalationRate 时 @ 订阅人
type SuddenTurn struct {
	Window              WindowParams
	MinTransactionPrice float64
	VolumeMultiplier    float64
	PriceRate           float64
	EscalationRate      float64
	Subscribers         []string
}

func NewSuddenTurn(subscribers []string) *SuddenTurn {
	return &SuddenTurn{
		Window:              WindowParams{IntervalMinutes: 1, RangeMinutes: 5},
		MinTransactionPrice: 100_000,
		VolumeMultiplier:    2,
		PriceRate:           0.01,
		EscalationRate:      0.03,
		Subscribers:         subscribers,
	}
}

func (s *SuddenTurn) override(o map[string]float64) error {
	return overrideWindow(o, &s.Window, map[string]*float64{
		"min_transaction_price": &s.MinTransactionPrice,
		"volume_multiplier":     &s.VolumeMultiplier,
		"price_rate":            &s.PriceRate,
		"escalation_rate":       &s.EscalationRate,
	})
}

func (s *SuddenTurn) Name() string         { return NameSuddenTurn }
func (s *SuddenTurn) Params() WindowParams { return s.Window }

func (s *SuddenTurn) Evaluate(trade domain.TradeEvent, series domain.WindowSeries) Result {
	windows := series.Filter(func(w domain.AggregatedWindow) bool {
		return w.TotalTransactionPrice >= s.MinTransactionPrice
	})
	if len(windows) < 2 {
		return Invalid
	}
	latest, _ := windows.Latest()
	previous := windows.Previous()

	multiplier, ok := volumeMultiplier(latest, previous)
	if !ok || multiplier < s.VolumeMultiplier {
		return Invalid
	}

	reference, ok := windows[len(windows)-2].UnitPrice()
	if !ok {
		return Invalid
	}
	rate, ok := priceChangeRate(trade.Price, reference)
	if !ok || math.Abs(rate) < s.PriceRate {
		return Invalid
	}
	return valid(math.Abs(rate) >= s.EscalationRate, s.Subscribers).withBasis(windows, reference)
}

// TransactionSurge 成交额激增
//   - 净买入金额绝对值 >= ValidPrice
//   - 最新窗口成交额 >= 之前平均成交额 × GrowthMultiplier
//   - 成交价相对最早窗口均价涨跌幅 >= PriceRate
//
// 净买入金额绝对值 >= EscalationValidPrice 时 @ 订阅人
type TransactionSurge struct {
	Window               WindowParams
	ValidPrice           float64
	GrowthMultiplier     float64
	PriceRate            float64
	EscalationValidPrice float64
	Subscribers          []string
}

func NewTransactionSurge(subscribers []string) *TransactionSurge {
	return &TransactionSurge{
		Window:               WindowParams{IntervalMinutes: 1, RangeMinutes: 5},
		ValidPrice:           10_000_000,
		GrowthMultiplier:     5,
		PriceRate:            0.01,
		EscalationValidPrice: 50_000_000,
		Subscribers:          subscribers,
	}
}

func (s *TransactionSurge) override(o map[string]float64) error {
	return overrideWindow(o, &s.Window, map[string]*float64{
		"valid_price":            &s.ValidPrice,
		"growth_multiplier":      &s.GrowthMultiplier,
		"price_rate":             &s.PriceRate,
		"escalation_valid_price": &s.EscalationValidPrice,
	})
}

func (s *TransactionSurge) Name() string         { return NameTransactionSurge }
func (s *TransactionSurge) Params() WindowParams { return s.Window }

func (s *TransactionSurge) Evaluate(trade domain.TradeEvent, series domain.WindowSeries) Result {
	windows := series.Filter(domain.AggregatedWindow.HasVolume)
	if len(windows) < 2 {
		return Invalid
	}
	if !totalValidPriceReached(windows, s.ValidPrice) {
		return Invalid
	}

	latest, _ := windows.Latest()
	growth, ok := transactionPriceGrowth(latest, windows.Previous())
	if !ok || growth < s.GrowthMultiplier {
		return Invalid
	}

	earliest, ok := windows[0].UnitPrice()
	if !ok || !priceRateReached(trade.Price, earliest, s.PriceRate) {
		return Invalid
	}
	return valid(totalValidPriceReached(windows, s.EscalationValidPrice), s.Subscribers).withBasis(windows, earliest)
}

// ShortTerm 短期：最新窗口还在累计中，以倒数第二个窗口作为“最新”
//   - 该窗口成交量 >= 更早窗口平均成交量 × VolumeMultiplier
//   - 净买入金额绝对值 >= ValidPrice
//   - 成交价 / 更早窗口平均均价 >= 1+PriceRate 或 <= 1-PriceRate
type ShortTerm struct {
	Window               WindowParams
	VolumeMultiplier     float64
	ValidPrice           float64
	PriceRate            float64
	EscalationValidPrice float64
	Subscribers          []string
}

func NewShortTerm(subscribers []string) *ShortTerm {
	return &ShortTerm{
		Window:               WindowParams{IntervalMinutes: 1, RangeMinutes: 6},
		VolumeMultiplier:     10,
		ValidPrice:           10_000_000,
		PriceRate:            0.01,
		EscalationValidPrice: 30_000_000,
		Subscribers:          subscribers,
	}
}

func (s *ShortTerm) override(o map[string]float64) error {
	return overrideWindow(o, &s.Window, map[string]*float64{
		"volume_multiplier":      &s.VolumeMultiplier,
		"valid_price":            &s.ValidPrice,
		"price_rate":             &s.PriceRate,
		"escalation_valid_price": &s.EscalationValidPrice,
	})
}

func (s *ShortTerm) Name() string         { return NameShortTerm }
func (s *ShortTerm) Params() WindowParams { return s.Window }

func (s *ShortTerm) Evaluate(trade domain.TradeEvent, series domain.WindowSeries) Result {
	n := len(series)
	if n < 3 {
		return Invalid
	}
	latest := series[n-2]
	earlier := series[:n-2]

	multiplier, ok := volumeMultiplier(latest, earlier)
	if !ok || multiplier < s.VolumeMultiplier {
		return Invalid
	}
	if !totalValidPriceReached(series, s.ValidPrice) {
		return Invalid
	}
	reference, ok := averageUnitPrice(earlier)
	if !ok {
		return Invalid
	}
	r, ok := ratio(trade.Price, reference)
	if !ok || (r < 1+s.PriceRate && r > 1-s.PriceRate) {
		return Invalid
	}
	return valid(totalValidPriceReached(series, s.EscalationValidPrice), s.Subscribers).withBasis(series, reference)
}
