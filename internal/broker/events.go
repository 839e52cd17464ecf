package broker

import "time"

// Event 为券商推送事件的封闭联合类型，按种类分派而非字符串分支。
type Event interface {
	isEvent()
}

// FillEvent 表示委托成交。
type FillEvent struct {
	OrderID string
	Symbol  string
	Side    Side
	Shares  int64
	Price   float64
	Time    time.Time
}

// OrderRejectEvent 表示委托被拒。
type OrderRejectEvent struct {
	OrderID string
	Reason  string
}

// DisconnectEvent 表示连接断开。
type DisconnectEvent struct {
	Reason string
}

// ErrorEvent 表示网关侧异步错误。
type ErrorEvent struct {
	Code    int
	Message string
}

func (FillEvent) isEvent()        {}
func (OrderRejectEvent) isEvent() {}
func (DisconnectEvent) isEvent()  {}
func (ErrorEvent) isEvent()       {}
