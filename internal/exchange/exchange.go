package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/moebius/tradewatch/internal/domain"
)

var (
	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrNoApiKey      = errors.New("exchange: api key not found")
)

// Client 交易所下单接口
type Client interface {
	// PlaceOrder 以限价单提交挂单，返回交易所订单号
	PlaceOrder(ctx context.Context, key domain.ApiKey, order domain.Order) (string, error)
	GetOrder(ctx context.Context, key domain.ApiKey, exchangeOrderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, key domain.ApiKey, exchangeOrderID string) error
}

// 交易所订单状态
const (
	StateWait   = "wait"
	StateWatch  = "watch"
	StateDone   = "done"
	StateCancel = "cancel"
)

// OrderState 交易所侧的订单快照
type OrderState struct {
	UUID            string          `json:"uuid"`
	Side            string          `json:"side"`
	OrdType         string          `json:"ord_type"`
	Price           decimal.Decimal `json:"price"`
	State           string          `json:"state"`
	Market          string          `json:"market"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	Identifier      string          `json:"identifier,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// IsOpen 仍在交易所挂着
func (s OrderState) IsOpen() bool {
	return s.State == StateWait || s.State == StateWatch
}

// IsPartiallyFilled 已部分成交但未完结
func (s OrderState) IsPartiallyFilled() bool {
	return s.IsOpen() && s.ExecutedVolume.IsPositive()
}

// KeyResolver 按 id 取用户的 API 密钥
type KeyResolver interface {
	Resolve(ctx context.Context, apiKeyID string) (domain.ApiKey, error)
}

// StaticKeyResolver 内存中的固定密钥表，用于测试和 dry run
type StaticKeyResolver map[string]domain.ApiKey

func (m StaticKeyResolver) Resolve(_ context.Context, apiKeyID string) (domain.ApiKey, error) {
	k, ok := m[apiKeyID]
	if !ok {
		return domain.ApiKey{}, ErrNoApiKey
	}
	return k, nil
}

// sideOf 挂单方向到交易所 side
func sideOf(p domain.OrderPosition) string {
	if p == domain.OrderPositionSale {
		return "ask"
	}
	return "bid"
}
