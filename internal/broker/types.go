package broker

import "time"

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus 表示券商侧委托状态。
type OrderStatus string

const (
	StatusPendingSubmit OrderStatus = "pending_submit"
	StatusWorking       OrderStatus = "working"
	StatusFilled        OrderStatus = "filled"
	StatusCancelled     OrderStatus = "cancelled"
	StatusRejected      OrderStatus = "rejected"
	StatusUnknown       OrderStatus = "unknown"
)

// Active 判断状态是否仍在场内等待。
func (s OrderStatus) Active() bool {
	return s == StatusPendingSubmit || s == StatusWorking
}

// OrderRequest 描述一次下单请求。入场委托可通过 Transmit=false 挂起，
// 直到携带 ParentID 且 Transmit=true 的保护性子单到达后整体提交。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Shares        int64
	StopPrice     float64 // 仅 stop 类型有效
	ClientOrderID string
	ParentID      string
	Transmit      bool
}

// Order 表示券商侧委托快照。
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Shares        int64
	StopPrice     float64
	FilledShares  int64
	AvgFillPrice  float64
	Status        OrderStatus
	OwnerSession  string // 创建该委托的网关会话标识
	CreatedAt     time.Time
}

// ReplaceRequest 描述对在场委托的原地修改（不撤销重建，避免保护真空）。
type ReplaceRequest struct {
	Shares    int64
	StopPrice float64
}

// Position 表示券商侧持仓。
type Position struct {
	Symbol  string
	Shares  int64
	AvgCost float64
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// AccountTag 标识账户数值字段。
type AccountTag string

const (
	TagNetLiquidation AccountTag = "NetLiquidation"
	TagAvailableFunds AccountTag = "AvailableFunds"
)
