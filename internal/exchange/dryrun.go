package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moebius/tradewatch/internal/domain"
)

// DryRunClient 不访问交易所，只记录下单，订单保持 wait 状态直到撤单
type DryRunClient struct {
	mu     sync.Mutex
	orders map[string]*OrderState
}

func NewDryRunClient() *DryRunClient {
	return &DryRunClient{orders: make(map[string]*OrderState)}
}

// PlaceOrder 与交易所一样按 identifier 去重，重复提交返回已有订单号
func (c *DryRunClient) PlaceOrder(_ context.Context, _ domain.ApiKey, order domain.Order) (string, error) {
	c.mu.Lock()
	for id, s := range c.orders {
		if s.Identifier == order.ID {
			c.mu.Unlock()
			return id, nil
		}
	}
	id := uuid.NewString()
	c.orders[id] = &OrderState{
		UUID:            id,
		Side:            sideOf(order.Position),
		OrdType:         "limit",
		Price:           decimal.NewFromFloat(order.Price),
		State:           StateWait,
		Market:          order.Symbol,
		Volume:          decimal.NewFromFloat(order.Volume),
		RemainingVolume: decimal.NewFromFloat(order.Volume),
		Identifier:      order.ID,
		CreatedAt:       time.Now().Format(time.RFC3339),
	}
	c.mu.Unlock()
	exLog.Infof("[dry-run][%s] 下单 order=%s side=%s price=%v volume=%v", order.Symbol, order.ID, sideOf(order.Position), order.Price, order.Volume)
	return id, nil
}

func (c *DryRunClient) GetOrder(_ context.Context, _ domain.ApiKey, exchangeOrderID string) (*OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.orders[exchangeOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *s
	return &cp, nil
}

func (c *DryRunClient) CancelOrder(_ context.Context, _ domain.ApiKey, exchangeOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.orders[exchangeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	s.State = StateCancel
	return nil
}

// Placed 已提交的订单数
func (c *DryRunClient) Placed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}
