package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidTrade 成交事件缺少必填字段（契约错误，必须在任何副作用之前暴露）
var ErrInvalidTrade = errors.New("invalid trade event")

// Exchange 交易所
type Exchange string

const (
	ExchangeUpbit Exchange = "UPBIT"
)

// TradeSide 主动成交方向
type TradeSide string

const (
	TradeSideAsk TradeSide = "ASK" // 主动卖
	TradeSideBid TradeSide = "BID" // 主动买
)

// TradeEvent 一笔成交
type TradeEvent struct {
	Exchange         Exchange  `json:"exchange" validate:"required"`
	Symbol           string    `json:"symbol" validate:"required"`
	Side             TradeSide `json:"tradeType" validate:"required,oneof=ASK BID"`
	Price            float64   `json:"price" validate:"gt=0"`
	Volume           float64   `json:"volume" validate:"gt=0"`
	PrevClosingPrice float64   `json:"prevClosingPrice" validate:"gte=0"`
	CreatedAt        time.Time `json:"createdAt"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func tradeValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate 校验必填字段，失败时返回包装了 ErrInvalidTrade 的错误
func (t TradeEvent) Validate() error {
	err := tradeValidator().Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidTrade, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidTrade, err)
}

// Notional 成交金额 = 价格 × 数量
func (t TradeEvent) Notional() float64 {
	return t.Price * t.Volume
}

// SignedNotional 主动买为正，主动卖为负
func (t TradeEvent) SignedNotional() float64 {
	if t.Side == TradeSideAsk {
		return -t.Notional()
	}
	return t.Notional()
}

// Key 用于分区和限流的 "EXCHANGE/SYMBOL"
func (t TradeEvent) Key() string {
	return MarketKey(t.Exchange, t.Symbol)
}

// MarketKey 交易对标识
func MarketKey(exchange Exchange, symbol string) string {
	return string(exchange) + "/" + symbol
}

// SplitSymbol 拆分 "KRW-BTC" 形式的交易对，返回 (计价币, 标的币)
func SplitSymbol(symbol string) (unit, target string) {
	unit, target, ok := strings.Cut(symbol, "-")
	if !ok {
		return "", symbol
	}
	return unit, target
}
