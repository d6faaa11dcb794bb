package order

import (
	"context"
	"errors"

	"github.com/moebius/tradewatch/internal/domain"
)

var (
	ErrOrderNotFound     = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid status transition")
	ErrInvalidOrder      = errors.New("order: invalid order")
)

// Store 挂单持久化
type Store interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	// CountReady 交易对上 READY 挂单数
	CountReady(ctx context.Context, exchange domain.Exchange, symbol string) (int64, error)
	// MarkDone IN_PROGRESS -> DONE
	MarkDone(ctx context.Context, id string) error
	// InTx fn 返回错误时整体回滚
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx 撮合事务内可用的操作
type Tx interface {
	// FindAndMarkInProgress 选出被成交价触发的 READY 挂单并置为 IN_PROGRESS，
	// 只返回本事务实际迁移成功的挂单
	FindAndMarkInProgress(ctx context.Context, exchange domain.Exchange, symbol string, position domain.OrderPosition, tradePrice float64) ([]domain.Order, error)
	SetExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error
}
