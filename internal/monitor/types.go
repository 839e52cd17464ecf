package monitor

import (
	"time"

	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/overnight"
	"atr-trader/internal/reconcile"
	"atr-trader/internal/store"
)

// EventKind 标识监控事件类型。
type EventKind string

const (
	EventPositionOpened EventKind = "position_opened"
	EventPositionClosed EventKind = "position_closed"
	EventStopUpdated    EventKind = "stop_updated"
	EventStopTriggered  EventKind = "stop_triggered"
	EventRiskAlert      EventKind = "risk_alert"
	EventReconciliation EventKind = "reconciliation"
	EventOvernight      EventKind = "overnight"
	EventFeature        EventKind = "feature_snapshot"
	EventError          EventKind = "error"
)

// Event 为一条待持久化并广播的监控事件。
type Event struct {
	Kind      EventKind   `json:"kind"`
	Summary   string      `json:"summary"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// PositionOpenedPayload 记录开仓明细。
type PositionOpenedPayload struct {
	Symbol string               `json:"symbol"`
	Result execution.OpenResult `json:"result"`
}

// PositionClosedPayload 记录平仓明细。
type PositionClosedPayload struct {
	Trade store.TradeRecord `json:"trade,omitempty"`
	Why   string            `json:"why"`
}

// StopUpdatedPayload 记录止损上移。
type StopUpdatedPayload struct {
	Symbol    string  `json:"symbol"`
	StopPrice float64 `json:"stop_price"`
}

// ReconciliationPayload 记录对账处置。
type ReconciliationPayload struct {
	Report reconcile.Report `json:"report"`
}

// OvernightPayload 记录隔夜封存与开盘前检查。
type OvernightPayload struct {
	Phase     string                     `json:"phase"` // end_of_day | pre_market
	EndOfDay  *overnight.EndOfDayResult  `json:"end_of_day,omitempty"`
	PreMarket *overnight.PreMarketResult `json:"pre_market,omitempty"`
}

// FeaturePayload 记录特征快照。
type FeaturePayload struct {
	Symbol string      `json:"symbol"`
	Row    feature.Row `json:"row"`
}

// ErrorPayload 记录运行异常。
type ErrorPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
