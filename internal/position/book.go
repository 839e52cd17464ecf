package position

import "time"

// Position 表示本地账本中的多头持仓。
type Position struct {
	Symbol   string
	Shares   int64
	AvgCost  float64
	OpenedAt time.Time
}

// ProtectiveStop 表示在场的保护性止损委托。
type ProtectiveStop struct {
	OrderID      string
	Price        float64
	Shares       int64
	OwnerSession string
}

// Book 维护单一标的的持仓与止损账本。
// 仅由主循环单协程读写，不加锁。
type Book struct {
	symbol   string
	position *Position
	stop     *ProtectiveStop
}

// NewBook 创建账本。
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol 返回账本标的。
func (b *Book) Symbol() string {
	return b.symbol
}

// HasPosition 判断是否持仓。
func (b *Book) HasPosition() bool {
	return b.position != nil && b.position.Shares > 0
}

// Position 返回持仓快照，未持仓时返回零值。
func (b *Book) Position() Position {
	if b.position == nil {
		return Position{Symbol: b.symbol}
	}
	return *b.position
}

// SetPosition 记录新开仓或对账采纳的持仓。
func (b *Book) SetPosition(shares int64, avgCost float64, openedAt time.Time) {
	b.position = &Position{
		Symbol:   b.symbol,
		Shares:   shares,
		AvgCost:  avgCost,
		OpenedAt: openedAt,
	}
}

// HasStop 判断是否有在场止损。
func (b *Book) HasStop() bool {
	return b.stop != nil
}

// Stop 返回止损快照，不存在时返回零值。
func (b *Book) Stop() ProtectiveStop {
	if b.stop == nil {
		return ProtectiveStop{}
	}
	return *b.stop
}

// SetStop 记录在场止损。
func (b *Book) SetStop(stop ProtectiveStop) {
	cloned := stop
	b.stop = &cloned
}

// ClearStop 清除止损记录。
func (b *Book) ClearStop() {
	b.stop = nil
}

// ResetFlat 将账本恢复为空仓状态。
func (b *Book) ResetFlat() {
	b.position = nil
	b.stop = nil
}

// Snapshot 为状态查询提供的只读视图。
type Snapshot struct {
	Symbol   string          `json:"symbol"`
	Position *Position       `json:"position,omitempty"`
	Stop     *ProtectiveStop `json:"stop,omitempty"`
}

// Snapshot 返回账本当前视图的拷贝。
func (b *Book) Snapshot() Snapshot {
	snap := Snapshot{Symbol: b.symbol}
	if b.position != nil {
		cloned := *b.position
		snap.Position = &cloned
	}
	if b.stop != nil {
		cloned := *b.stop
		snap.Stop = &cloned
	}
	return snap
}
