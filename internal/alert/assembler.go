package alert

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moebius/tradewatch/internal/domain"
)

const (
	colorRising  = "#d60000"
	colorFalling = "#0051C7"
	timeLayout   = "15:04"
)

// Assembler 把成交和判定数据组装成告警
type Assembler struct {
	referenceURL string
	loc          *time.Location
}

// NewAssembler referenceURL 为行情页前缀，拼接交易对得到链接
func NewAssembler(referenceURL string) *Assembler {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return &Assembler{referenceURL: referenceURL, loc: loc}
}

func (a *Assembler) link(symbol string) string {
	if a.referenceURL == "" {
		return ""
	}
	return a.referenceURL + symbol
}

// roundRate (price/reference - 1) 转百分比，保留两位小数
func roundRate(price, reference float64) float64 {
	return math.Round((price/reference-1)*10000) / 100
}

// FromWindows 基于聚合窗口组装，忽略无成交窗口；没有可用窗口时返回 false。
// reference 为策略判定用的基准价，<= 0 时用最早窗口均价
func (a *Assembler) FromWindows(trade domain.TradeEvent, series domain.WindowSeries, reference float64, strategy string, subscribers []string) (TradeAlert, bool) {
	windows := series.Filter(domain.AggregatedWindow.HasVolume)
	if len(windows) == 0 {
		return TradeAlert{}, false
	}
	if reference <= 0 {
		reference, _ = windows[0].UnitPrice()
	}
	if reference <= 0 {
		return TradeAlert{}, false
	}
	last, _ := windows.Latest()

	return TradeAlert{
		Strategy:        strategy,
		Exchange:        trade.Exchange,
		Symbol:          trade.Symbol,
		TotalAskPrice:   windows.TotalAskPrice(),
		TotalBidPrice:   windows.TotalBidPrice(),
		TotalValidPrice: int64(windows.TotalValidPrice()),
		Price:           trade.Price,
		PriceChangeRate: roundRate(trade.Price, reference),
		From:            windows[0].StartTime.In(a.loc),
		To:              last.EndTime.In(a.loc),
		ReferenceLink:   a.link(trade.Symbol),
		Escalate:        len(subscribers) > 0,
		Subscribers:     subscribers,
	}, true
}

// FromHistories 基于逐笔成交组装，histories 最新的在前
func (a *Assembler) FromHistories(trade domain.TradeEvent, histories []domain.TradeEvent, strategy string, subscribers []string) (TradeAlert, bool) {
	if len(histories) == 0 {
		return TradeAlert{}, false
	}
	earliest := histories[len(histories)-1]
	if earliest.Price == 0 {
		return TradeAlert{}, false
	}

	var ask, bid float64
	for _, h := range histories {
		if h.Side == domain.TradeSideAsk {
			ask += h.Notional()
		} else {
			bid += h.Notional()
		}
	}
	to := trade.CreatedAt
	if to.IsZero() {
		to = time.Now()
	}

	return TradeAlert{
		Strategy:        strategy,
		Exchange:        trade.Exchange,
		Symbol:          trade.Symbol,
		TotalAskPrice:   ask,
		TotalBidPrice:   bid,
		TotalValidPrice: int64(math.Round(bid - ask)),
		Price:           trade.Price,
		PriceChangeRate: roundRate(trade.Price, earliest.Price),
		From:            earliest.CreatedAt.In(a.loc),
		To:              to.In(a.loc),
		ReferenceLink:   a.link(trade.Symbol),
		Escalate:        len(subscribers) > 0,
		Subscribers:     subscribers,
	}, true
}

// Title "<exchange>-<symbol>-<是否上涨>"
func Title(a TradeAlert) string {
	return fmt.Sprintf("%s-%s-%t", a.Exchange, a.Symbol, a.Rising())
}

// RenderBody 格式化模板参数
func RenderBody(a TradeAlert) TradeAlertBody {
	unit, target := domain.SplitSymbol(a.Symbol)
	color := colorFalling
	if a.Rising() {
		color = colorRising
	}
	body := TradeAlertBody{
		Color:           color,
		Strategy:        a.Strategy,
		Symbol:          a.Symbol,
		Exchange:        string(a.Exchange),
		TotalAskPrice:   formatNumber(decimal.NewFromFloat(a.TotalAskPrice)),
		TotalBidPrice:   formatNumber(decimal.NewFromFloat(a.TotalBidPrice)),
		TotalValidPrice: formatNumber(decimal.NewFromInt(a.TotalValidPrice)),
		Price:           formatNumber(decimal.NewFromFloat(a.Price)),
		PriceChangeRate: formatNumber(decimal.NewFromFloat(a.PriceChangeRate)),
		UnitCurrency:    unit,
		TargetCurrency:  target,
		From:            a.From.Format(timeLayout),
		To:              a.To.Format(timeLayout),
		ReferenceLink:   a.ReferenceLink,
	}
	if a.Escalate {
		body.Subscribers = strings.Join(a.Subscribers, " ")
	}
	return body
}

// formatNumber 千分位，最多三位小数：1234567.891 -> 1,234,567.891
func formatNumber(d decimal.Decimal) string {
	s := d.Round(3).String()

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
