package strategy

import (
	"math"

	"github.com/moebius/tradewatch/internal/domain"
)

const NameHeavyTrade = "heavy_trade"

func init() {
	RegisterStrategy(NameHeavyTrade, func(o map[string]float64, subs []string) (Strategy, error) {
		s := NewHeavyTrade(subs)
		return s, s.override(o)
	})
}

// HeavyTrade 最近 N 笔成交（含当前这笔）
//   - 带方向成交额之和（主动买为正，主动卖为负）绝对值 >= ValidPrice
//   - 成交价相对最早一笔成交价涨跌幅 >= PriceRate
type HeavyTrade struct {
	HistoryCount         int
	ValidPrice           float64
	PriceRate            float64
	EscalationValidPrice float64
	Subscribers          []string
}

func NewHeavyTrade(subscribers []string) *HeavyTrade {
	return &HeavyTrade{
		HistoryCount:         100,
		ValidPrice:           10_000_000,
		PriceRate:            0.03,
		EscalationValidPrice: 50_000_000,
		Subscribers:          subscribers,
	}
}

func (s *HeavyTrade) override(o map[string]float64) error {
	count := float64(s.HistoryCount)
	err := applyOverrides(o, map[string]*float64{
		"count":                  &count,
		"valid_price":            &s.ValidPrice,
		"price_rate":             &s.PriceRate,
		"escalation_valid_price": &s.EscalationValidPrice,
	})
	s.HistoryCount = int(count)
	return err
}

func (s *HeavyTrade) Name() string { return NameHeavyTrade }
func (s *HeavyTrade) Count() int   { return s.HistoryCount }

func (s *HeavyTrade) Evaluate(trade domain.TradeEvent, histories []domain.TradeEvent) Result {
	if len(histories) == 0 {
		return Invalid
	}

	total := SignedNotionalSum(trade, histories)
	if math.Abs(total) < s.ValidPrice {
		return Invalid
	}

	earliest := histories[len(histories)-1].Price
	if !priceRateReached(trade.Price, earliest, s.PriceRate) {
		return Invalid
	}
	return valid(math.Abs(total) >= s.EscalationValidPrice, s.Subscribers)
}

// SignedNotionalSum 当前成交与历史成交的带方向成交额之和
func SignedNotionalSum(trade domain.TradeEvent, histories []domain.TradeEvent) float64 {
	total := trade.SignedNotional()
	for _, h := range histories {
		total += h.SignedNotional()
	}
	return total
}
