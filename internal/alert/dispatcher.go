package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/metrics"
	"github.com/moebius/tradewatch/internal/valve"
)

var alertLog = logrus.WithField("component", "alert")

// Transport 把请求交给消息服务
type Transport interface {
	Send(ctx context.Context, req SendRequest) error
}

// HTTPTransport POST JSON 到消息服务
type HTTPTransport struct {
	client *resty.Client
	url    string
}

func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		url:    url,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) error {
	resp, err := t.client.R().SetContext(ctx).SetBody(req).Post(t.url)
	if err != nil {
		return errors.Wrap(err, "post message")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}

// LogTransport 只打印（dry run）
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, req SendRequest) error {
	alertLog.Infof("📣 [dry-run] %s key=%s dedup=%s", req.Title, req.Key, req.DedupStrategy)
	return nil
}

// Policy 投递前后的策略钩子
type Policy interface {
	// Admit 可修改请求（填充去重字段），返回 false 表示本次不投递
	Admit(req *SendRequest, a TradeAlert) bool
	// Delivered 投递成功后调用
	Delivered(req SendRequest, a TradeAlert)
}

// DedupPolicy 交给消息服务按 key 去重，本地总是放行
type DedupPolicy struct {
	Strategy      DedupStrategy
	PeriodMinutes int64
}

func (p DedupPolicy) Admit(req *SendRequest, a TradeAlert) bool {
	req.DedupStrategy = p.Strategy
	req.DedupPeriodMinutes = p.PeriodMinutes
	if p.Strategy == NoDedup {
		req.DedupPeriodMinutes = 0
	}
	req.Key = MessageKey(*req, a.Strategy)
	return true
}

func (DedupPolicy) Delivered(SendRequest, TradeAlert) {}

// ValvePolicy 本地按交易对节流
type ValvePolicy struct {
	Valve           *valve.Valve
	IntervalMinutes int
}

func (p ValvePolicy) Admit(req *SendRequest, a TradeAlert) bool {
	req.DedupStrategy = NoDedup
	req.Key = MessageKey(*req, a.Strategy)
	return p.Valve.CanSend(valve.Key(a.Exchange, a.Symbol), p.IntervalMinutes)
}

func (p ValvePolicy) Delivered(_ SendRequest, a TradeAlert) {
	p.Valve.RecordSent(valve.Key(a.Exchange, a.Symbol))
}

// MessageKey "<dedup>.<recipientType>.<strategy>.<title>"
func MessageKey(req SendRequest, strategy string) string {
	return fmt.Sprintf("%s.%s.%s.%s", req.DedupStrategy, req.RecipientType, strategy, req.Title)
}

// Dispatcher 发送告警；失败只记录日志，不影响调用方
type Dispatcher struct {
	transport   Transport
	policy      Policy
	recipientID string
	timeout     time.Duration
}

func NewDispatcher(transport Transport, policy Policy, recipientID string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{transport: transport, policy: policy, recipientID: recipientID, timeout: timeout}
}

// Build 构造发送请求（不含去重字段）
func (d *Dispatcher) Build(a TradeAlert) SendRequest {
	return SendRequest{
		Title:         Title(a),
		Body:          MessageBody{TemplateID: templateTradeAlert, Parameters: RenderBody(a)},
		RecipientType: RecipientSlack,
		RecipientID:   d.recipientID,
	}
}

// Dispatch 返回是否实际投递成功
func (d *Dispatcher) Dispatch(ctx context.Context, a TradeAlert) bool {
	req := d.Build(a)
	if !d.policy.Admit(&req, a) {
		alertLog.Debugf("[%s/%s] 告警被节流: %s", a.Exchange, a.Symbol, req.Title)
		metrics.AlertsSuppressed.Add(1)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.transport.Send(ctx, req); err != nil {
		alertLog.Warnf("[%s/%s] 告警发送失败 strategy=%s: %v", a.Exchange, a.Symbol, a.Strategy, err)
		metrics.AlertsFailed.Add(1)
		return false
	}

	d.policy.Delivered(req, a)
	metrics.AlertsSent.Add(1)
	alertLog.Infof("[%s/%s] 告警已发送 strategy=%s rate=%.2f%% valid=%d", a.Exchange, a.Symbol, a.Strategy, a.PriceChangeRate, a.TotalValidPrice)
	return true
}
