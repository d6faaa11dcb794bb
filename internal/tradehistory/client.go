package tradehistory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/metrics"
	"github.com/moebius/tradewatch/pkg/cache"
)

var histLog = logrus.WithField("component", "tradehistory")

const (
	aggregatedPath = "/trade-histories/aggregated"
	rawPath        = "/trade-histories"
)

// Client 成交历史数据服务
// 任何失败（网络、超时、非 2xx、解析）都返回空结果，不向上抛错
type Client interface {
	GetAggregatedWindows(ctx context.Context, exchange domain.Exchange, symbol string, intervalMinutes, rangeMinutes int) domain.WindowSeries
	// GetRawHistories 返回最近 count 笔成交，最新的在前
	GetRawHistories(ctx context.Context, exchange domain.Exchange, symbol string, count int) []domain.TradeEvent
}

// Options HTTPClient 配置
type Options struct {
	BaseURL string
	Timeout time.Duration // 单次请求超时
	MemoTTL time.Duration // 0 表示不缓存
	Now     func() time.Time
}

// HTTPClient 基于 resty 的数据服务客户端
type HTTPClient struct {
	client  *resty.Client
	timeout time.Duration
	now     func() time.Time

	windows   *cache.InMemoryCache[string, domain.WindowSeries]
	histories *cache.InMemoryCache[string, []domain.TradeEvent]
}

type aggregatedResponse struct {
	AggregatedTradeHistories []domain.AggregatedWindow `json:"aggregatedTradeHistories"`
}

// NewHTTPClient 创建数据服务客户端
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &HTTPClient{
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
			SetHeader("Accept", "application/json").
			SetTimeout(opts.Timeout),
		timeout: opts.Timeout,
		now:     opts.Now,
	}
	if opts.MemoTTL > 0 {
		c.windows = cache.NewInMemoryCache[string, domain.WindowSeries](opts.MemoTTL, cache.WithClock(opts.Now))
		c.histories = cache.NewInMemoryCache[string, []domain.TradeEvent](opts.MemoTTL, cache.WithClock(opts.Now))
	}
	return c
}

// memoKey 按分钟分桶，保证同一分钟内的重复查询命中缓存，跨分钟自然失效
func (c *HTTPClient) memoKey(parts ...any) string {
	bucket := c.now().Truncate(time.Minute).Unix()
	return fmt.Sprintf("%v|%d", parts, bucket)
}

// GetAggregatedWindows 查询 [now-range, now] 的聚合窗口
func (c *HTTPClient) GetAggregatedWindows(ctx context.Context, exchange domain.Exchange, symbol string, intervalMinutes, rangeMinutes int) domain.WindowSeries {
	key := c.memoKey(exchange, symbol, intervalMinutes, rangeMinutes)
	if c.windows != nil {
		if series, ok := c.windows.Get(key); ok {
			return series
		}
	}

	to := c.now()
	from := to.Add(-time.Duration(rangeMinutes) * time.Minute)

	var out aggregatedResponse
	err := c.get(ctx, aggregatedPath, map[string]string{
		"exchange":      string(exchange),
		"symbol":        symbol,
		"interval":      strconv.Itoa(intervalMinutes),
		"fromTimestamp": from.Format(time.RFC3339),
		"toTimestamp":   to.Format(time.RFC3339),
	}, &out)
	if err != nil {
		histLog.Warnf("[%s/%s] 获取聚合成交失败: %v", exchange, symbol, err)
		metrics.DataServiceFailures.Add(1)
		return nil
	}

	series := domain.WindowSeries(out.AggregatedTradeHistories)
	if c.windows != nil && len(series) > 0 {
		c.windows.Set(key, series, 0)
	}
	return series
}

// GetRawHistories 查询最近 count 笔成交
func (c *HTTPClient) GetRawHistories(ctx context.Context, exchange domain.Exchange, symbol string, count int) []domain.TradeEvent {
	key := c.memoKey(exchange, symbol, count)
	if c.histories != nil {
		if hs, ok := c.histories.Get(key); ok {
			return hs
		}
	}

	var out []domain.TradeEvent
	err := c.get(ctx, rawPath, map[string]string{
		"exchange": string(exchange),
		"symbol":   symbol,
		"count":    strconv.Itoa(count),
	}, &out)
	if err != nil {
		histLog.Warnf("[%s/%s] 获取成交历史失败: %v", exchange, symbol, err)
		metrics.DataServiceFailures.Add(1)
		return nil
	}

	if c.histories != nil && len(out) > 0 {
		c.histories.Set(key, out, 0)
	}
	return out
}

// ClearCache 清空查询缓存（定时任务调用）
func (c *HTTPClient) ClearCache() {
	if c.windows != nil {
		c.windows.Clear()
	}
	if c.histories != nil {
		c.histories.Clear()
	}
}

// Close 停止缓存清理 goroutine
func (c *HTTPClient) Close() {
	if c.windows != nil {
		c.windows.Close()
	}
	if c.histories != nil {
		c.histories.Close()
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, params map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}
