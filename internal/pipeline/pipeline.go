package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/alert"
	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/metrics"
	"github.com/moebius/tradewatch/internal/strategy"
)

var pipeLog = logrus.WithField("component", "pipeline")

// Matcher 挂单撮合
type Matcher interface {
	MatchTrade(ctx context.Context, trade domain.TradeEvent) (int, error)
}

// Evaluator 策略评估
type Evaluator interface {
	Evaluate(ctx context.Context, trade domain.TradeEvent) []strategy.Verdict
}

// Notifier 告警投递
type Notifier interface {
	Dispatch(ctx context.Context, a alert.TradeAlert) bool
}

// Pipeline 单笔成交的处理流程：校验 -> 撮合 -> 策略 -> 告警
type Pipeline struct {
	matcher   Matcher
	evaluator Evaluator
	assembler *alert.Assembler
	notifier  Notifier
}

func New(matcher Matcher, evaluator Evaluator, assembler *alert.Assembler, notifier Notifier) *Pipeline {
	return &Pipeline{matcher: matcher, evaluator: evaluator, assembler: assembler, notifier: notifier}
}

// Process 只返回契约错误（成交字段缺失），下游失败都在各自组件内消化
func (p *Pipeline) Process(ctx context.Context, trade domain.TradeEvent) error {
	if err := trade.Validate(); err != nil {
		metrics.TradesRejected.Add(1)
		return err
	}

	if _, err := p.matcher.MatchTrade(ctx, trade); err != nil {
		metrics.TradesRejected.Add(1)
		return err
	}

	for _, v := range strategy.ValidVerdicts(p.evaluator.Evaluate(ctx, trade)) {
		var (
			a  alert.TradeAlert
			ok bool
		)
		if v.Series != nil {
			windows, reference := v.Series, 0.0
			if b := v.Result.Basis; b != nil {
				windows, reference = b.Windows, b.Reference
			}
			a, ok = p.assembler.FromWindows(trade, windows, reference, v.Strategy, v.Result.Subscribers)
		} else {
			a, ok = p.assembler.FromHistories(trade, v.Histories, v.Strategy, v.Result.Subscribers)
		}
		if !ok {
			pipeLog.Warnf("[%s] 策略 %s 命中但缺少告警数据", trade.Key(), v.Strategy)
			continue
		}
		p.notifier.Dispatch(ctx, a)
	}

	metrics.TradesProcessed.Add(1)
	return nil
}
