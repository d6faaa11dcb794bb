package domain

import "time"

// OrderPosition 挂单方向
type OrderPosition string

const (
	OrderPositionSale     OrderPosition = "SALE"     // 卖出（ask 侧）
	OrderPositionPurchase OrderPosition = "PURCHASE" // 买入（bid 侧）
)

// OrderStatus 挂单状态，只允许 READY -> IN_PROGRESS -> DONE
type OrderStatus string

const (
	OrderStatusReady      OrderStatus = "READY"       // 等待撮合
	OrderStatusInProgress OrderStatus = "IN_PROGRESS" // 已提交交易所
	OrderStatusDone       OrderStatus = "DONE"        // 已完成（外部对账后设置）
)

// Order 用户挂单（条件单）
type Order struct {
	ID              string        `json:"id"`
	Exchange        Exchange      `json:"exchange"`
	Symbol          string        `json:"symbol"`
	Position        OrderPosition `json:"position"`
	Price           float64       `json:"price"`  // 目标价
	Volume          float64       `json:"volume"` // 数量
	Status          OrderStatus   `json:"status"`
	ApiKeyID        string        `json:"apiKeyId"`
	ExchangeOrderID string        `json:"exchangeOrderId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// MatchesPrice 成交价是否触发挂单（两侧都含等号）
// SALE：目标价 <= 成交价；PURCHASE：目标价 >= 成交价
func (o Order) MatchesPrice(tradePrice float64) bool {
	switch o.Position {
	case OrderPositionSale:
		return o.Price <= tradePrice
	case OrderPositionPurchase:
		return o.Price >= tradePrice
	default:
		return false
	}
}

// CanTransitionTo 状态机只允许向前推进一步
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusReady:
		return next == OrderStatusInProgress
	case OrderStatusInProgress:
		return next == OrderStatusDone
	default:
		return false
	}
}

// ApiKey 用户在交易所的 API 密钥对
type ApiKey struct {
	ID        string   `json:"id"`
	Exchange  Exchange `json:"exchange"`
	AccessKey string   `json:"accessKey"`
	SecretKey string   `json:"secretKey"`
}
