package exchange

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/pkg/ratelimit"
)

var exLog = logrus.WithField("component", "exchange")

const (
	ordersPath = "/v1/orders"
	orderPath  = "/v1/order"
)

// UpbitClient Upbit REST 下单客户端
type UpbitClient struct {
	client *resty.Client
	limits *ratelimit.Manager
}

// NewUpbitClient limits 为 nil 时不限流
func NewUpbitClient(baseURL string, timeout time.Duration, limits *ratelimit.Manager) *UpbitClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只对限流重试，下单不能因为网络错误重复提交
			return err == nil && resp.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if s := resp.Header().Get("Retry-After"); s != "" {
				if sec, err := strconv.Atoi(s); err == nil {
					return time.Duration(sec) * time.Second, nil
				}
			}
			return 0, nil
		})
	return &UpbitClient{client: client, limits: limits}
}

func (c *UpbitClient) wait(ctx context.Context, group string) error {
	if c.limits == nil {
		return nil
	}
	return c.limits.Wait(ctx, group)
}

func (c *UpbitClient) request(ctx context.Context, key domain.ApiKey, params url.Values) (*resty.Request, error) {
	token, err := signToken(key.AccessKey, key.SecretKey, params)
	if err != nil {
		return nil, errors.Wrap(err, "sign token")
	}
	return c.client.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *UpbitClient) PlaceOrder(ctx context.Context, key domain.ApiKey, order domain.Order) (string, error) {
	if err := c.wait(ctx, ratelimit.GroupOrder); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("market", order.Symbol)
	params.Set("side", sideOf(order.Position))
	params.Set("volume", strconv.FormatFloat(order.Volume, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
	params.Set("ord_type", "limit")
	// identifier 让交易所拒绝同一挂单的重复提交
	params.Set("identifier", order.ID)

	body := make(map[string]string, len(params))
	for k := range params {
		body[k] = params.Get(k)
	}

	req, err := c.request(ctx, key, params)
	if err != nil {
		return "", err
	}
	var out OrderState
	resp, err := req.SetBody(body).SetResult(&out).Post(ordersPath)
	if err != nil {
		return "", errors.Wrap(err, "place order")
	}
	if !resp.IsSuccess() {
		placeErr := errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			// 同一 identifier 可能已提交过（撮合事务回滚后重放），取回已有订单号
			if st, err := c.getOrder(ctx, key, url.Values{"identifier": {order.ID}}); err == nil && st.UUID != "" {
				exLog.Warnf("[%s] order=%s 已在交易所存在，沿用 uuid=%s", order.Symbol, order.ID, st.UUID)
				return st.UUID, nil
			}
		}
		return "", placeErr
	}
	exLog.Infof("[%s] 已下单 order=%s side=%s price=%v volume=%v uuid=%s", order.Symbol, order.ID, params.Get("side"), order.Price, order.Volume, out.UUID)
	return out.UUID, nil
}

func (c *UpbitClient) GetOrder(ctx context.Context, key domain.ApiKey, exchangeOrderID string) (*OrderState, error) {
	return c.getOrder(ctx, key, url.Values{"uuid": {exchangeOrderID}})
}

// getOrder 按 uuid 或 identifier 查询单个订单
func (c *UpbitClient) getOrder(ctx context.Context, key domain.ApiKey, params url.Values) (*OrderState, error) {
	if err := c.wait(ctx, ratelimit.GroupDefault); err != nil {
		return nil, err
	}
	req, err := c.request(ctx, key, params)
	if err != nil {
		return nil, err
	}
	var out OrderState
	resp, err := req.SetQueryParamsFromValues(params).SetResult(&out).Get(orderPath)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return &out, nil
}

func (c *UpbitClient) CancelOrder(ctx context.Context, key domain.ApiKey, exchangeOrderID string) error {
	if err := c.wait(ctx, ratelimit.GroupOrder); err != nil {
		return err
	}
	params := url.Values{"uuid": {exchangeOrderID}}
	req, err := c.request(ctx, key, params)
	if err != nil {
		return err
	}
	resp, err := req.SetQueryParamsFromValues(params).Delete(orderPath)
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if !resp.IsSuccess() {
		return errors.Errorf("http non-2xx: %d %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	exLog.Infof("已撤单 uuid=%s", exchangeOrderID)
	return nil
}
