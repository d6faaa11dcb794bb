package strategy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/tradehistory"
)

var engineLog = logrus.WithField("component", "strategy_engine")

// Verdict 单个策略对一笔成交的判定，附带判定所用的数据（组装告警用）
type Verdict struct {
	Strategy  string
	Result    Result
	Series    domain.WindowSeries
	Histories []domain.TradeEvent
}

// Engine 按注册顺序评估所有策略
// 数据获取并发进行，策略本身是纯函数；数据不足只会让对应策略判定为无效，不返回错误
type Engine struct {
	history     tradehistory.Client
	strategies  []Strategy
	concurrency int
}

// NewEngine 创建策略引擎，concurrency <= 0 表示不限制并发
func NewEngine(history tradehistory.Client, strategies []Strategy, concurrency int) *Engine {
	return &Engine{history: history, strategies: strategies, concurrency: concurrency}
}

// Strategies 已加载的策略
func (e *Engine) Strategies() []Strategy {
	return e.strategies
}

// Evaluate 返回与策略注册顺序一致的判定列表
func (e *Engine) Evaluate(ctx context.Context, trade domain.TradeEvent) []Verdict {
	verdicts := make([]Verdict, len(e.strategies))

	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, s := range e.strategies {
		g.Go(func() error {
			verdicts[i] = e.evaluate(gctx, trade, s)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

func (e *Engine) evaluate(ctx context.Context, trade domain.TradeEvent, s Strategy) (v Verdict) {
	v.Strategy = s.Name()
	defer func() {
		if r := recover(); r != nil {
			engineLog.Errorf("[%s] 策略 %s panic: %v", trade.Key(), s.Name(), r)
			v.Result = Invalid
		}
	}()

	switch st := s.(type) {
	case AggregatedStrategy:
		p := st.Params()
		v.Series = e.history.GetAggregatedWindows(ctx, trade.Exchange, trade.Symbol, p.IntervalMinutes, p.RangeMinutes)
		v.Result = st.Evaluate(trade, v.Series)
	case HistoryStrategy:
		v.Histories = e.history.GetRawHistories(ctx, trade.Exchange, trade.Symbol, st.Count())
		v.Result = st.Evaluate(trade, v.Histories)
	default:
		panic(fmt.Sprintf("unsupported strategy type %T", s))
	}

	if v.Result.Valid {
		engineLog.Infof("[%s] 策略 %s 命中 price=%v escalate=%v", trade.Key(), v.Strategy, trade.Price, v.Result.Escalate)
	}
	return v
}

// ValidVerdicts 过滤出命中的判定
func ValidVerdicts(vs []Verdict) []Verdict {
	out := make([]Verdict, 0, len(vs))
	for _, v := range vs {
		if v.Result.Valid {
			out = append(out, v)
		}
	}
	return out
}
