package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"atr-trader/internal/broker"
)

const defaultMarginRate = 0.25

// Gateway 是纯内存的模拟券商网关，实现与真实网关完全一致的委托语义：
// Transmit=false 的入场委托在保护性子单到达前不会生效，
// 市价单即时按当前报价成交，止损单保持在场直到触发或撤销。
// 用于干跑模式与测试。
type Gateway struct {
	logger    *zap.Logger
	sessionID string

	mu          sync.Mutex
	connected   bool
	quotes      map[string]float64
	bars        map[string][]broker.Candle
	positions   map[string]*broker.Position
	orders      map[string]*broker.Order
	staged      map[string]broker.OrderRequest
	equity      float64
	available   float64
	marginRate  float64
	rejectNext  int
	holdFills   int
	failConnect int
	seq         int

	events chan broker.Event
	now    func() time.Time
}

var _ broker.Gateway = (*Gateway)(nil)

// New 构造模拟网关，初始资金10万。
func New(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		logger:     logger,
		sessionID:  uuid.NewString()[:8],
		quotes:     make(map[string]float64),
		bars:       make(map[string][]broker.Candle),
		positions:  make(map[string]*broker.Position),
		orders:     make(map[string]*broker.Order),
		staged:     make(map[string]broker.OrderRequest),
		equity:     100000,
		available:  100000,
		marginRate: defaultMarginRate,
		events:     make(chan broker.Event, 64),
		now:        time.Now,
	}
}

// Connect 标记网关可用。
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failConnect > 0 {
		g.failConnect--
		return fmt.Errorf("paper: 券商不可达: %w", broker.ErrNotConnected)
	}
	g.connected = true
	return nil
}

// Close 关闭网关。
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

// IsConnected 返回连接状态。
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// SessionID 返回会话标识。
func (g *Gateway) SessionID() string {
	return g.sessionID
}

// Events 返回事件通道。
func (g *Gateway) Events() <-chan broker.Event {
	return g.events
}

// SetQuote 设定标的报价。
func (g *Gateway) SetQuote(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = price
}

// SetBars 设定K线序列。
func (g *Gateway) SetBars(symbol string, candles []broker.Candle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bars[symbol] = append([]broker.Candle(nil), candles...)
}

// SetAccount 设定账户净值与可用资金。
func (g *Gateway) SetAccount(equity, available float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.equity = equity
	g.available = available
}

// RejectNext 令接下来 n 次入场提交被拒（模拟保证金不足）。
func (g *Gateway) RejectNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectNext = n
}

// FailConnect 令接下来 n 次 Connect 失败，模拟券商不可达。
func (g *Gateway) FailConnect(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failConnect = n
}

// HoldFillReports 令接下来 n 次市价成交的回执不带均价，
// 模拟实盘先回执、后成交的时序。
func (g *Gateway) HoldFillReports(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdFills = n
}

// SeedPosition 预置券商侧持仓，模拟前次会话遗留。
func (g *Gateway) SeedPosition(symbol string, shares int64, avgCost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = &broker.Position{Symbol: symbol, Shares: shares, AvgCost: avgCost}
}

// SeedOrder 预置在场委托，OwnerSession 可指定为其它会话。
func (g *Gateway) SeedOrder(order broker.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cloned := order
	g.orders[order.ID] = &cloned
}

// TriggerStop 模拟止损触发：委托转为成交，持仓清零。
func (g *Gateway) TriggerStop(orderID string) error {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok || order.Type != broker.OrderTypeStop || !order.Status.Active() {
		g.mu.Unlock()
		return broker.ErrOrderNotFound
	}
	order.Status = broker.StatusFilled
	order.FilledShares = order.Shares
	order.AvgFillPrice = order.StopPrice
	if pos, exists := g.positions[order.Symbol]; exists {
		pos.Shares -= order.Shares
		if pos.Shares <= 0 {
			delete(g.positions, order.Symbol)
		}
	}
	event := broker.FillEvent{
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Shares:  order.Shares,
		Price:   order.StopPrice,
		Time:    g.now(),
	}
	g.mu.Unlock()

	g.emit(event)
	return nil
}

// GetPositions 返回当前持仓。
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, broker.ErrNotConnected
	}
	positions := make([]broker.Position, 0, len(g.positions))
	for _, p := range g.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetOpenOrders 返回所有在场委托。
func (g *Gateway) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, broker.ErrNotConnected
	}
	orders := make([]broker.Order, 0, len(g.orders))
	for _, o := range g.orders {
		if o.Status.Active() {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// GetOrder 查询单个委托。
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return broker.Order{}, broker.ErrOrderNotFound
	}
	return *order, nil
}

// PlaceOrder 提交委托。
func (g *Gateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return broker.Order{}, broker.ErrNotConnected
	}

	if req.ClientOrderID == "" {
		g.seq++
		req.ClientOrderID = fmt.Sprintf("%s-%06d", g.sessionID, g.seq)
	}

	// 未传送的入场委托只暂存，绝不进入撮合。
	if !req.Transmit {
		g.staged[req.ClientOrderID] = req
		g.mu.Unlock()
		return broker.Order{
			ID:            req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Shares:        req.Shares,
			Status:        broker.StatusPendingSubmit,
			OwnerSession:  g.sessionID,
			CreatedAt:     g.now(),
		}, nil
	}

	if req.ParentID != "" {
		return g.transmitBracketLocked(req)
	}

	order, event, err := g.executeLocked(req)
	g.mu.Unlock()
	if event != nil {
		g.emit(*event)
	}
	return order, err
}

// PlaceBracket 原子提交入场+止损。
func (g *Gateway) PlaceBracket(ctx context.Context, symbol string, shares int64, stopPrice float64) (broker.Order, broker.Order, error) {
	entry, err := g.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Type:     broker.OrderTypeMarket,
		Shares:   shares,
		Transmit: false,
	})
	if err != nil {
		return broker.Order{}, broker.Order{}, err
	}

	stop, err := g.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    symbol,
		Side:      broker.SideSell,
		Type:      broker.OrderTypeStop,
		Shares:    shares,
		StopPrice: stopPrice,
		ParentID:  entry.ID,
		Transmit:  true,
	})
	if err != nil {
		return broker.Order{}, broker.Order{}, err
	}

	g.mu.Lock()
	filled := broker.Order{}
	for _, o := range g.orders {
		if o.ClientOrderID == entry.ClientOrderID {
			filled = *o
			break
		}
	}
	g.mu.Unlock()
	if filled.ID == "" {
		return broker.Order{}, broker.Order{}, broker.ErrOrderNotFound
	}
	return filled, stop, nil
}

// transmitBracketLocked 将暂存入场与到达的止损合并撮合。
// 拒单时两笔委托整体作废，不留裸露持仓。
func (g *Gateway) transmitBracketLocked(stopReq broker.OrderRequest) (broker.Order, error) {
	entryReq, ok := g.staged[stopReq.ParentID]
	if !ok {
		g.mu.Unlock()
		return broker.Order{}, fmt.Errorf("paper: 未找到暂存的父委托 %s", stopReq.ParentID)
	}
	delete(g.staged, stopReq.ParentID)

	if g.rejectNext > 0 {
		g.rejectNext--
		g.mu.Unlock()
		return broker.Order{}, fmt.Errorf("%w: 保证金不足", broker.ErrOrderRejected)
	}

	_, fillEvent, err := g.executeLocked(entryReq)
	if err != nil {
		g.mu.Unlock()
		return broker.Order{}, err
	}

	stopOrder := broker.Order{
		ID:            g.nextIDLocked(),
		ClientOrderID: stopReq.ClientOrderID,
		Symbol:        stopReq.Symbol,
		Side:          broker.SideSell,
		Type:          broker.OrderTypeStop,
		Shares:        stopReq.Shares,
		StopPrice:     stopReq.StopPrice,
		Status:        broker.StatusWorking,
		OwnerSession:  g.sessionID,
		CreatedAt:     g.now(),
	}
	stopCopy := stopOrder
	g.orders[stopOrder.ID] = &stopCopy
	g.mu.Unlock()

	if fillEvent != nil {
		g.emit(*fillEvent)
	}
	return stopOrder, nil
}

// executeLocked 撮合一笔已传送委托。市价单即时成交，止损单挂场等待。
func (g *Gateway) executeLocked(req broker.OrderRequest) (broker.Order, *broker.FillEvent, error) {
	if g.rejectNext > 0 && req.Side == broker.SideBuy {
		g.rejectNext--
		return broker.Order{}, nil, fmt.Errorf("%w: 保证金不足", broker.ErrOrderRejected)
	}

	order := broker.Order{
		ID:            g.nextIDLocked(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Shares:        req.Shares,
		StopPrice:     req.StopPrice,
		OwnerSession:  g.sessionID,
		CreatedAt:     g.now(),
	}

	if req.Type == broker.OrderTypeStop {
		order.Status = broker.StatusWorking
		cloned := order
		g.orders[order.ID] = &cloned
		return order, nil, nil
	}

	price, ok := g.quotes[req.Symbol]
	if !ok {
		return broker.Order{}, nil, fmt.Errorf("paper: 标的 %s 无报价", req.Symbol)
	}

	order.Status = broker.StatusFilled
	order.FilledShares = req.Shares
	order.AvgFillPrice = price

	if g.holdFills > 0 {
		g.holdFills--
		order.Status = broker.StatusPendingSubmit
		order.FilledShares = 0
		order.AvgFillPrice = 0
	}

	cloned := order
	g.orders[order.ID] = &cloned

	g.applyFillLocked(req.Symbol, req.Side, req.Shares, price)

	if order.AvgFillPrice == 0 {
		return order, nil, nil
	}

	event := &broker.FillEvent{
		OrderID: order.ID,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Shares:  req.Shares,
		Price:   price,
		Time:    g.now(),
	}
	return order, event, nil
}

func (g *Gateway) applyFillLocked(symbol string, side broker.Side, shares int64, price float64) {
	pos, exists := g.positions[symbol]
	if side == broker.SideBuy {
		if !exists {
			g.positions[symbol] = &broker.Position{Symbol: symbol, Shares: shares, AvgCost: price}
			return
		}
		total := pos.Shares + shares
		pos.AvgCost = (pos.AvgCost*float64(pos.Shares) + price*float64(shares)) / float64(total)
		pos.Shares = total
		return
	}
	if exists {
		pos.Shares -= shares
		if pos.Shares <= 0 {
			delete(g.positions, symbol)
		}
	}
}

// ReplaceOrder 原地修改在场委托。
func (g *Gateway) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) (broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok || !order.Status.Active() {
		return broker.Order{}, broker.ErrOrderNotFound
	}
	if req.Shares > 0 {
		order.Shares = req.Shares
	}
	if req.StopPrice > 0 {
		order.StopPrice = req.StopPrice
	}
	order.OwnerSession = g.sessionID
	return *order, nil
}

// CancelOrder 撤销委托。
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if !order.Status.Active() {
		return broker.ErrOrderNotFound
	}
	order.Status = broker.StatusCancelled
	return nil
}

// SimulateMargin 以名义金额乘保证金率估算占用。
func (g *Gateway) SimulateMargin(ctx context.Context, req broker.OrderRequest) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price := req.StopPrice
	if req.Type == broker.OrderTypeMarket {
		quoted, ok := g.quotes[req.Symbol]
		if !ok {
			return 0, fmt.Errorf("paper: 标的 %s 无报价", req.Symbol)
		}
		price = quoted
	}
	return float64(req.Shares) * price * g.marginRate, nil
}

// GetAccountValue 读取账户数值字段。
func (g *Gateway) GetAccountValue(ctx context.Context, tag broker.AccountTag) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch tag {
	case broker.TagNetLiquidation:
		return g.equity, nil
	case broker.TagAvailableFunds:
		return g.available, nil
	default:
		return 0, fmt.Errorf("paper: 未知账户字段 %q", tag)
	}
}

// GetQuote 返回最新报价。
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: 标的 %s 无报价", symbol)
	}
	return price, nil
}

// GetBars 返回预置K线。
func (g *Gateway) GetBars(ctx context.Context, symbol string, interval string, limit int) ([]broker.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	candles := g.bars[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]broker.Candle(nil), candles...), nil
}

func (g *Gateway) nextIDLocked() string {
	g.seq++
	return fmt.Sprintf("order-%06d", g.seq)
}

func (g *Gateway) emit(event broker.Event) {
	select {
	case g.events <- event:
	default:
		g.logger.Warn("事件缓冲已满，丢弃模拟事件")
	}
}
