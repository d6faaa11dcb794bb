package alert

import (
	"time"

	"github.com/moebius/tradewatch/internal/domain"
)

// DedupStrategy 消息服务端去重方式
type DedupStrategy string

const (
	NoDedup           DedupStrategy = "NO_DEDUP"
	LeaveFirstArrival DedupStrategy = "LEAVE_FIRST_ARRIVAL" // 去重周期内保留第一条
	LeaveLastArrival  DedupStrategy = "LEAVE_LAST_ARRIVAL"  // 去重周期内保留最后一条
)

// ParseDedupStrategy 未知值回落到 NO_DEDUP
func ParseDedupStrategy(s string) DedupStrategy {
	switch DedupStrategy(s) {
	case LeaveFirstArrival, LeaveLastArrival:
		return DedupStrategy(s)
	default:
		return NoDedup
	}
}

// RecipientType 接收渠道
type RecipientType string

const RecipientSlack RecipientType = "SLACK"

const templateTradeAlert = "trade_alert"

// SendRequest 消息服务的发送请求
type SendRequest struct {
	Key                string        `json:"key"`
	DedupStrategy      DedupStrategy `json:"dedupStrategy"`
	DedupPeriodMinutes int64         `json:"dedupPeriodMinutes"`
	Title              string        `json:"title"`
	Body               MessageBody   `json:"body"`
	RecipientType      RecipientType `json:"recipientType"`
	RecipientID        string        `json:"recipientId"`
}

// MessageBody 模板 + 参数
type MessageBody struct {
	TemplateID string `json:"templateId"`
	Parameters any    `json:"parameters"`
}

// TradeAlert 一次命中的告警内容（未格式化）
type TradeAlert struct {
	Strategy        string
	Exchange        domain.Exchange
	Symbol          string
	TotalAskPrice   float64
	TotalBidPrice   float64
	TotalValidPrice int64
	Price           float64
	PriceChangeRate float64 // 百分比，保留两位小数
	From            time.Time
	To              time.Time
	ReferenceLink   string
	Escalate        bool
	Subscribers     []string
}

// Rising 价格是否上涨
func (a TradeAlert) Rising() bool {
	return a.PriceChangeRate > 0
}

// TradeAlertBody trade_alert 模板参数（已格式化）
type TradeAlertBody struct {
	Color           string `json:"color"`
	Strategy        string `json:"strategy"`
	Symbol          string `json:"symbol"`
	Exchange        string `json:"exchange"`
	TotalAskPrice   string `json:"totalAskPrice"`
	TotalBidPrice   string `json:"totalBidPrice"`
	TotalValidPrice string `json:"totalValidPrice"`
	Price           string `json:"price"`
	PriceChangeRate string `json:"priceChangeRate"`
	UnitCurrency    string `json:"unitCurrency"`
	TargetCurrency  string `json:"targetCurrency"`
	From            string `json:"from"`
	To              string `json:"to"`
	ReferenceLink   string `json:"referenceLink"`
	Subscribers     string `json:"subscribers,omitempty"`
}
