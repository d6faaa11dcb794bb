package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/internal/valve"
)

type recordingTransport struct {
	mu   sync.Mutex
	reqs []SendRequest
	err  error
}

func (r *recordingTransport) Send(_ context.Context, req SendRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func sampleAlert() TradeAlert {
	return TradeAlert{
		Strategy:        "default_aggregated",
		Exchange:        domain.ExchangeUpbit,
		Symbol:          "KRW-BTC",
		TotalAskPrice:   1500000,
		TotalBidPrice:   2750000.5,
		TotalValidPrice: 1250000,
		Price:           1000,
		PriceChangeRate: 4,
	}
}

func TestAssembler_FromWindows(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	series := domain.WindowSeries{
		{StartTime: start.Add(-time.Minute), EndTime: start}, // 无成交，忽略
		{StartTime: start, EndTime: start.Add(time.Minute), TotalTransactionVolume: 10, TotalTransactionPrice: 9600, TotalBidPrice: 6000, TotalAskPrice: 3600},
		{StartTime: start.Add(time.Minute), EndTime: start.Add(2 * time.Minute), TotalTransactionVolume: 120, TotalTransactionPrice: 120000, TotalBidPrice: 100000, TotalAskPrice: 20000},
	}
	trade := domain.TradeEvent{Exchange: domain.ExchangeUpbit, Symbol: "KRW-BTC", Side: domain.TradeSideBid, Price: 1000, Volume: 1}

	a, ok := NewAssembler("https://upbit.com/exchange?code=CRIX.UPBIT.").FromWindows(trade, series, 0, "default_aggregated", nil)
	require.True(t, ok)
	assert.Equal(t, 4.17, a.PriceChangeRate)
	assert.Equal(t, 23600.0, a.TotalAskPrice)
	assert.Equal(t, 106000.0, a.TotalBidPrice)
	assert.Equal(t, int64(82400), a.TotalValidPrice)
	assert.Equal(t, "09:00", a.From.Format(timeLayout), "Asia/Seoul")
	assert.Equal(t, "09:02", a.To.Format(timeLayout))
	assert.Equal(t, "https://upbit.com/exchange?code=CRIX.UPBIT.KRW-BTC", a.ReferenceLink)
	assert.False(t, a.Escalate)

	_, ok = NewAssembler("").FromWindows(trade, series[:1], 0, "x", nil)
	assert.False(t, ok)

	// 按策略给出的窗口和基准价组装
	a, ok = NewAssembler("").FromWindows(trade, series[2:], 960, "sudden_turn", nil)
	require.True(t, ok)
	assert.Equal(t, 4.17, a.PriceChangeRate)
	assert.Equal(t, 20000.0, a.TotalAskPrice)
	assert.Equal(t, int64(80000), a.TotalValidPrice)
	assert.Equal(t, "09:01", a.From.Format(timeLayout))
}

func TestAssembler_FromHistories(t *testing.T) {
	created := time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC)
	histories := []domain.TradeEvent{
		{Side: domain.TradeSideBid, Price: 1010, Volume: 2, CreatedAt: created.Add(-time.Minute)},
		{Side: domain.TradeSideAsk, Price: 1000, Volume: 1, CreatedAt: created.Add(-5 * time.Minute)},
	}
	trade := domain.TradeEvent{Exchange: domain.ExchangeUpbit, Symbol: "KRW-ETH", Side: domain.TradeSideBid, Price: 970, Volume: 1, CreatedAt: created}

	a, ok := NewAssembler("").FromHistories(trade, histories, "heavy_trade", []string{"@a", "@b"})
	require.True(t, ok)
	assert.Equal(t, -3.0, a.PriceChangeRate)
	assert.Equal(t, int64(1020), a.TotalValidPrice)
	assert.Equal(t, "10:25", a.From.Format(timeLayout))
	assert.Equal(t, "10:30", a.To.Format(timeLayout))
	assert.True(t, a.Escalate)

	body := RenderBody(a)
	assert.Equal(t, colorFalling, body.Color)
	assert.Equal(t, "KRW", body.UnitCurrency)
	assert.Equal(t, "ETH", body.TargetCurrency)
	assert.Equal(t, "@a @b", body.Subscribers)
	assert.Equal(t, "UPBIT-KRW-ETH-false", Title(a))
}

func TestFormatNumber(t *testing.T) {
	cases := map[float64]string{
		0:            "0",
		999:          "999",
		1000:         "1,000",
		1234567.891:  "1,234,567.891",
		-98765432.1:  "-98,765,432.1",
		4.17:         "4.17",
		100000000000: "100,000,000,000",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatNumber(decimal.NewFromFloat(in)), "%v", in)
	}
}

func TestDispatcher_DedupPolicyStampsKey(t *testing.T) {
	tr := &recordingTransport{}
	d := NewDispatcher(tr, DedupPolicy{Strategy: LeaveLastArrival, PeriodMinutes: 1}, "trade-alert", time.Second)

	assert.True(t, d.Dispatch(context.Background(), sampleAlert()))
	assert.True(t, d.Dispatch(context.Background(), sampleAlert()), "dedup is the message service's job")
	require.Equal(t, 2, tr.count())

	req := tr.reqs[0]
	assert.Equal(t, "UPBIT-KRW-BTC-true", req.Title)
	assert.Equal(t, "LEAVE_LAST_ARRIVAL.SLACK.default_aggregated.UPBIT-KRW-BTC-true", req.Key)
	assert.Equal(t, int64(1), req.DedupPeriodMinutes)
	assert.Equal(t, RecipientSlack, req.RecipientType)
	assert.Equal(t, "trade-alert", req.RecipientID)
	assert.Equal(t, templateTradeAlert, req.Body.TemplateID)

	body := req.Body.Parameters.(TradeAlertBody)
	assert.Equal(t, colorRising, body.Color)
	assert.Equal(t, "2,750,000.5", body.TotalBidPrice)
	assert.Empty(t, body.Subscribers)
}

func TestDispatcher_ValvePolicy(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := valve.New(func() time.Time { return now })
	tr := &recordingTransport{}
	d := NewDispatcher(tr, ValvePolicy{Valve: v, IntervalMinutes: 5}, "trade-alert", time.Second)

	assert.True(t, d.Dispatch(context.Background(), sampleAlert()))
	assert.False(t, d.Dispatch(context.Background(), sampleAlert()))
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, NoDedup, tr.reqs[0].DedupStrategy)

	now = now.Add(5 * time.Minute)
	assert.True(t, d.Dispatch(context.Background(), sampleAlert()))
	assert.Equal(t, 2, tr.count())
}

func TestDispatcher_TransportErrorIsSwallowed(t *testing.T) {
	v := valve.New(nil)
	tr := &recordingTransport{err: errors.New("broker down")}
	d := NewDispatcher(tr, ValvePolicy{Valve: v, IntervalMinutes: 5}, "trade-alert", time.Second)

	assert.False(t, d.Dispatch(context.Background(), sampleAlert()))
	// 发送失败不记录节流
	assert.True(t, v.CanSend(valve.Key(domain.ExchangeUpbit, "KRW-BTC"), 5))
}

func TestHTTPTransport(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(nil, DedupPolicy{Strategy: NoDedup}, "rid", time.Second)
	req := d.Build(sampleAlert())
	req.Key = "k"

	require.NoError(t, NewHTTPTransport(srv.URL+"/messages", time.Second).Send(context.Background(), req))
	assert.Equal(t, "k", got.Key)
	assert.Equal(t, "UPBIT-KRW-BTC-true", got.Title)

	assert.Error(t, NewHTTPTransport(srv.URL+"/fail", time.Second).Send(context.Background(), req))
}
