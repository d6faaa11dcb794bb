package metrics

import "expvar"

var (
	TradesProcessed = expvar.NewInt("trades_processed")
	TradesRejected  = expvar.NewInt("trades_rejected")

	OrdersMatched      = expvar.NewInt("orders_matched")
	MatchTxAborted     = expvar.NewInt("match_tx_aborted")
	OrderSubmitFailed  = expvar.NewInt("order_submit_failed")
	StaleOrdersCancels = expvar.NewInt("stale_order_cancels")

	AlertsSent       = expvar.NewInt("alerts_sent")
	AlertsSuppressed = expvar.NewInt("alerts_suppressed")
	AlertsFailed     = expvar.NewInt("alerts_failed")

	DataServiceFailures = expvar.NewInt("data_service_failures")
)
