package broker

import "context"

// Gateway 抽象券商网关。所有实现必须保证每次调用都受 ctx 超时约束，
// 且 Events 通道上的推送永不阻塞调用方（缓冲并丢弃滞后消费）。
type Gateway interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// SessionID 返回当前网关会话标识，用于判定委托归属。
	SessionID() string

	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	// PlaceBracket 以原子单位提交市价入场与保护性止损：
	// 入场委托在止损就位前绝不独立生效。
	PlaceBracket(ctx context.Context, symbol string, shares int64, stopPrice float64) (entry Order, stop Order, err error)

	ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// SimulateMargin 以 what-if 方式计算该委托所需保证金，不实际下单。
	SimulateMargin(ctx context.Context, req OrderRequest) (float64, error)
	GetAccountValue(ctx context.Context, tag AccountTag) (float64, error)

	GetQuote(ctx context.Context, symbol string) (float64, error)
	GetBars(ctx context.Context, symbol string, interval string, limit int) ([]Candle, error)

	Events() <-chan Event
}
