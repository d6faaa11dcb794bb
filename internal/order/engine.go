package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/exchange"
	"github.com/moebius/tradewatch/internal/metrics"
)

var orderLog = logrus.WithField("component", "order")

// EngineOptions 撮合引擎参数
type EngineOptions struct {
	MinNotional  float64       // 成交额低于此值不撮合
	StaleAfter   time.Duration // 部分成交超过此时长视为过期
	MatchTimeout time.Duration // 单次撮合事务超时
	Now          func() time.Time
}

// Engine 条件单撮合
type Engine struct {
	store    Store
	counts   CountCache
	exchange exchange.Client
	keys     exchange.KeyResolver
	opts     EngineOptions
}

func NewEngine(store Store, counts CountCache, client exchange.Client, keys exchange.KeyResolver, opts EngineOptions) *Engine {
	if opts.MatchTimeout <= 0 {
		opts.MatchTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, counts: counts, exchange: client, keys: keys, opts: opts}
}

// readyCount 先查缓存，未知时回源并写回。
// 回源期间有新挂单（Evict 递增代数）时不写回，避免缓存住过期的 0
func (e *Engine) readyCount(ctx context.Context, ex domain.Exchange, symbol string) (int64, error) {
	if n, ok := e.counts.Get(ctx, ex, symbol); ok {
		return n, nil
	}
	gen, genOK := e.counts.Generation(ctx, ex, symbol)
	n, err := e.store.CountReady(ctx, ex, symbol)
	if err != nil {
		return 0, err
	}
	if genOK {
		e.counts.SetIfGeneration(ctx, ex, symbol, n, gen)
	}
	return n, nil
}

// MatchTrade 用一笔成交撮合 READY 挂单，返回本次迁移到 IN_PROGRESS 的数量。
// 只有成交不合法时返回错误；持久化失败按 0 处理，下一笔成交会重试
func (e *Engine) MatchTrade(ctx context.Context, trade domain.TradeEvent) (int, error) {
	if err := trade.Validate(); err != nil {
		return 0, err
	}
	if trade.Notional() < e.opts.MinNotional {
		return 0, nil
	}

	n, err := e.readyCount(ctx, trade.Exchange, trade.Symbol)
	if err != nil {
		// 计数不可用时直接走撮合
		orderLog.Warnf("[%s] 读取挂单数失败: %v", trade.Key(), err)
	} else if n == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.MatchTimeout)
	defer cancel()

	matched := 0
	err = e.store.InTx(ctx, func(tx Tx) error {
		matched = 0
		for _, pos := range []domain.OrderPosition{domain.OrderPositionSale, domain.OrderPositionPurchase} {
			orders, err := tx.FindAndMarkInProgress(ctx, trade.Exchange, trade.Symbol, pos, trade.Price)
			if err != nil {
				return err
			}
			for _, o := range orders {
				if err := e.submit(ctx, tx, o); err != nil {
					return err
				}
			}
			matched += len(orders)
		}
		return nil
	})
	if err != nil {
		orderLog.Errorf("[%s] 撮合事务失败，按未命中处理: %v", trade.Key(), err)
		metrics.MatchTxAborted.Add(1)
		return 0, nil
	}

	if matched > 0 {
		e.counts.Evict(ctx, trade.Exchange, trade.Symbol)
		metrics.OrdersMatched.Add(int64(matched))
		orderLog.Infof("[%s] 撮合 %d 笔挂单 price=%v", trade.Key(), matched, trade.Price)
	}
	return matched, nil
}

// submit 提交到交易所。交易所失败只记日志，挂单保留 IN_PROGRESS 等待对账；
// 只有写回订单号失败才中止事务
func (e *Engine) submit(ctx context.Context, tx Tx, o domain.Order) error {
	key, err := e.keys.Resolve(ctx, o.ApiKeyID)
	if err != nil {
		orderLog.Errorf("[%s] order=%s 找不到 api key %s: %v", o.Symbol, o.ID, o.ApiKeyID, err)
		metrics.OrderSubmitFailed.Add(1)
		return nil
	}
	exID, err := e.exchange.PlaceOrder(ctx, key, o)
	if err != nil {
		orderLog.Errorf("[%s] order=%s 提交交易所失败: %v", o.Symbol, o.ID, err)
		metrics.OrderSubmitFailed.Add(1)
		return nil
	}
	return tx.SetExchangeOrderID(ctx, o.ID, exID)
}

// CreateOrder 新建 READY 挂单
func (e *Engine) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.Exchange == "" || o.Symbol == "" || o.ApiKeyID == "" {
		return domain.Order{}, errors.Wrap(ErrInvalidOrder, "exchange, symbol and apiKeyId are required")
	}
	if o.Position != domain.OrderPositionSale && o.Position != domain.OrderPositionPurchase {
		return domain.Order{}, errors.Wrapf(ErrInvalidOrder, "position %q", o.Position)
	}
	if o.Price <= 0 || o.Volume <= 0 {
		return domain.Order{}, errors.Wrap(ErrInvalidOrder, "price and volume must be positive")
	}

	now := e.opts.Now()
	o.ID = uuid.NewString()
	o.Status = domain.OrderStatusReady
	o.ExchangeOrderID = ""
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := e.store.Create(ctx, o); err != nil {
		return domain.Order{}, err
	}
	e.counts.Evict(ctx, o.Exchange, o.Symbol)
	orderLog.Infof("[%s/%s] 新挂单 id=%s %s price=%v volume=%v", o.Exchange, o.Symbol, o.ID, o.Position, o.Price, o.Volume)
	return o, nil
}

// Get 按 id 查询挂单
func (e *Engine) Get(ctx context.Context, id string) (domain.Order, error) {
	return e.store.Get(ctx, id)
}

// MarkDone 外部对账确认成交后调用
func (e *Engine) MarkDone(ctx context.Context, id string) error {
	if err := e.store.MarkDone(ctx, id); err != nil {
		return err
	}
	orderLog.Infof("挂单已完成 id=%s", id)
	return nil
}

// CancelIfStale 查询交易所实时状态，仍挂着且（部分成交超时，或本地已 DONE）时撤单。
// 尽力而为：错误只记日志，返回是否发出了撤单
func (e *Engine) CancelIfStale(ctx context.Context, key domain.ApiKey, exchangeOrderID string, localStatus domain.OrderStatus) bool {
	state, err := e.exchange.GetOrder(ctx, key, exchangeOrderID)
	if err != nil {
		orderLog.Warnf("查询交易所订单失败 uuid=%s: %v", exchangeOrderID, err)
		return false
	}
	if !state.IsOpen() {
		return false
	}

	stale := false
	switch {
	case localStatus == domain.OrderStatusDone:
		stale = true
	case state.IsPartiallyFilled() && e.opts.StaleAfter > 0:
		created, err := time.Parse(time.RFC3339, state.CreatedAt)
		stale = err == nil && e.opts.Now().Sub(created) >= e.opts.StaleAfter
	}
	if !stale {
		return false
	}

	if err := e.exchange.CancelOrder(ctx, key, exchangeOrderID); err != nil {
		orderLog.Warnf("撤单失败 uuid=%s: %v", exchangeOrderID, err)
		return false
	}
	metrics.StaleOrdersCancels.Add(1)
	orderLog.Infof("已撤销过期订单 uuid=%s executed=%s remaining=%s", exchangeOrderID, state.ExecutedVolume, state.RemainingVolume)
	return true
}

// CancelStale 按本地挂单 id 触发 CancelIfStale
func (e *Engine) CancelStale(ctx context.Context, id string) (bool, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if o.ExchangeOrderID == "" {
		return false, nil
	}
	key, err := e.keys.Resolve(ctx, o.ApiKeyID)
	if err != nil {
		return false, errors.Wrapf(err, "resolve api key %s", o.ApiKeyID)
	}
	return e.CancelIfStale(ctx, key, o.ExchangeOrderID, o.Status), nil
}
