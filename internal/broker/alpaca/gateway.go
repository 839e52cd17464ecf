package alpaca

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
)

// Reg-T 融资初始保证金率。Alpaca 无 what-if 接口，
// SimulateMargin 以该比率估算占用。
const initialMarginRate = 0.25

// Gateway 基于 Alpaca 实现 broker.Gateway。
type Gateway struct {
	cfg       config.BrokerConfig
	logger    *zap.Logger
	trade     *alpaca.Client
	data      *marketdata.Client
	sessionID string

	connectedMu sync.Mutex
	connected   bool

	events     chan broker.Event
	streamStop context.CancelFunc

	// Transmit=false 暂存的入场委托，等待保护性子单合并为原生 bracket。
	stagedMu sync.Mutex
	staged   map[string]broker.OrderRequest
}

var _ broker.Gateway = (*Gateway)(nil)

// New 构造 Alpaca 网关。
func New(cfg config.BrokerConfig, eventBuffer int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBuffer <= 0 {
		eventBuffer = 64
	}

	tradeClient := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	dataClient := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.DataBaseURL,
	})

	return &Gateway{
		cfg:       cfg,
		logger:    logger,
		trade:     tradeClient,
		data:      dataClient,
		sessionID: uuid.NewString()[:8],
		events:    make(chan broker.Event, eventBuffer),
		staged:    make(map[string]broker.OrderRequest),
	}
}

// SessionID 返回当前会话标识。
func (g *Gateway) SessionID() string {
	return g.sessionID
}

// Connect 校验账户可达并启动成交回报流。
func (g *Gateway) Connect(ctx context.Context) error {
	err := g.callWithRetry(ctx, "get_account", func() error {
		_, accErr := g.trade.GetAccount()
		return accErr
	})
	if err != nil {
		return fmt.Errorf("alpaca: 连接校验失败: %w", err)
	}

	g.connectedMu.Lock()
	g.connected = true
	g.connectedMu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	g.streamStop = cancel
	go g.runTradeStream(streamCtx)

	g.logger.Info("alpaca 网关已连接",
		zap.String("session", g.sessionID),
		zap.String("base_url", g.cfg.BaseURL),
	)
	return nil
}

// Close 关闭网关。
func (g *Gateway) Close() error {
	g.connectedMu.Lock()
	g.connected = false
	g.connectedMu.Unlock()
	if g.streamStop != nil {
		g.streamStop()
	}
	return nil
}

// IsConnected 返回连接状态。
func (g *Gateway) IsConnected() bool {
	g.connectedMu.Lock()
	defer g.connectedMu.Unlock()
	return g.connected
}

// Events 返回事件通道。
func (g *Gateway) Events() <-chan broker.Event {
	return g.events
}

func (g *Gateway) runTradeStream(ctx context.Context) {
	err := g.trade.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		switch tu.Event {
		case "fill", "partial_fill":
			price := 0.0
			if tu.Price != nil {
				price = tu.Price.InexactFloat64()
			}
			shares := int64(0)
			if tu.Qty != nil {
				shares = tu.Qty.IntPart()
			}
			g.emit(broker.FillEvent{
				OrderID: tu.Order.ID,
				Symbol:  tu.Order.Symbol,
				Side:    broker.Side(tu.Order.Side),
				Shares:  shares,
				Price:   price,
				Time:    tu.At,
			})
		case "rejected":
			g.emit(broker.OrderRejectEvent{OrderID: tu.Order.ID, Reason: tu.Event})
		}
	}, alpaca.StreamTradeUpdatesRequest{})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("成交回报流中断", zap.Error(err))
		g.emit(broker.DisconnectEvent{Reason: err.Error()})
	}
}

// emit 非阻塞推送事件，消费滞后时丢弃并记录。
func (g *Gateway) emit(event broker.Event) {
	select {
	case g.events <- event:
	default:
		g.logger.Warn("事件缓冲已满，丢弃券商事件")
	}
}

// GetPositions 返回当前持仓。
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var raw []alpaca.Position
	err := g.callWithRetry(ctx, "get_positions", func() error {
		result, posErr := g.trade.GetPositions()
		if posErr != nil {
			return posErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca: 获取持仓失败: %w", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, broker.Position{
			Symbol:  p.Symbol,
			Shares:  p.Qty.IntPart(),
			AvgCost: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return positions, nil
}

// GetOpenOrders 返回所有在场委托（含前次会话遗留）。
func (g *Gateway) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	var raw []alpaca.Order
	err := g.callWithRetry(ctx, "get_open_orders", func() error {
		result, ordErr := g.trade.GetOrders(alpaca.GetOrdersRequest{
			Status: "open",
			Limit:  100,
			Nested: true,
		})
		if ordErr != nil {
			return ordErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca: 获取在场委托失败: %w", err)
	}

	orders := make([]broker.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, g.convertOrder(&raw[i]))
	}
	return orders, nil
}

// GetOrder 查询单个委托。
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	var raw *alpaca.Order
	err := g.callWithRetry(ctx, "get_order", func() error {
		result, ordErr := g.trade.GetOrder(orderID)
		if ordErr != nil {
			return ordErr
		}
		raw = result
		return nil
	})
	if err != nil {
		if broker.IsGone(err) {
			return broker.Order{}, broker.ErrOrderNotFound
		}
		return broker.Order{}, fmt.Errorf("alpaca: 查询委托失败: %w", err)
	}
	return g.convertOrder(raw), nil
}

// PlaceOrder 提交委托。Transmit=false 的入场单在本地暂存，
// 待携带 ParentID 的保护性止损到达后合并为一笔原生 bracket 提交。
func (g *Gateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = g.newClientOrderID()
	}

	if !req.Transmit {
		g.stagedMu.Lock()
		g.staged[req.ClientOrderID] = req
		g.stagedMu.Unlock()
		return broker.Order{
			ID:            req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Shares:        req.Shares,
			Status:        broker.StatusPendingSubmit,
			OwnerSession:  g.sessionID,
			CreatedAt:     time.Now().UTC(),
		}, nil
	}

	if req.ParentID != "" {
		return g.transmitBracket(ctx, req)
	}

	return g.submit(ctx, buildOrderRequest(req))
}

// PlaceBracket 以单笔原子单位提交入场+保护性止损。
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

	parent, err := g.findByClientID(ctx, entry.ClientOrderID)
	if err != nil {
		return broker.Order{}, broker.Order{}, err
	}
	return parent, stop, nil
}

func (g *Gateway) transmitBracket(ctx context.Context, stopReq broker.OrderRequest) (broker.Order, error) {
	g.stagedMu.Lock()
	entryReq, ok := g.staged[stopReq.ParentID]
	if ok {
		delete(g.staged, stopReq.ParentID)
	}
	g.stagedMu.Unlock()

	if !ok {
		return broker.Order{}, fmt.Errorf("alpaca: 未找到暂存的父委托 %s", stopReq.ParentID)
	}

	qty := decimal.NewFromInt(entryReq.Shares)
	stopPx := decimal.NewFromFloat(stopReq.StopPrice)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        entryReq.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(entryReq.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: entryReq.ClientOrderID,
		OrderClass:    alpaca.Bracket,
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPx},
	}

	parent, err := g.submitRaw(ctx, placeReq)
	if err != nil {
		return broker.Order{}, err
	}

	// bracket 的止损腿与父单一同返回。
	for i := range parent.Legs {
		leg := &parent.Legs[i]
		if strings.EqualFold(string(leg.Side), string(broker.SideSell)) {
			converted := g.convertOrder(leg)
			converted.OwnerSession = g.sessionID
			return converted, nil
		}
	}
	return broker.Order{}, fmt.Errorf("alpaca: bracket 返回缺少止损腿 (parent=%s)", parent.ID)
}

func buildOrderRequest(req broker.OrderRequest) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(req.Shares)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	switch req.Type {
	case broker.OrderTypeStop:
		stopPx := decimal.NewFromFloat(req.StopPrice)
		placeReq.Type = alpaca.Stop
		placeReq.StopPrice = &stopPx
		placeReq.TimeInForce = alpaca.GTC
	default:
		placeReq.Type = alpaca.Market
	}
	return placeReq
}

func (g *Gateway) submit(ctx context.Context, placeReq alpaca.PlaceOrderRequest) (broker.Order, error) {
	raw, err := g.submitRaw(ctx, placeReq)
	if err != nil {
		return broker.Order{}, err
	}
	converted := g.convertOrder(raw)
	converted.OwnerSession = g.sessionID
	return converted, nil
}

func (g *Gateway) submitRaw(ctx context.Context, placeReq alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	var raw *alpaca.Order
	err := g.callWithRetry(ctx, "place_order", func() error {
		result, placeErr := g.trade.PlaceOrder(placeReq)
		if placeErr != nil {
			return placeErr
		}
		raw = result
		return nil
	})
	if err != nil {
		if isRejection(err) {
			return nil, fmt.Errorf("%w: %s", broker.ErrOrderRejected, err.Error())
		}
		return nil, fmt.Errorf("alpaca: 下单失败: %w", err)
	}
	return raw, nil
}

// ReplaceOrder 原地修改在场委托。
func (g *Gateway) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) (broker.Order, error) {
	replaceReq := alpaca.ReplaceOrderRequest{}
	if req.Shares > 0 {
		qty := decimal.NewFromInt(req.Shares)
		replaceReq.Qty = &qty
	}
	if req.StopPrice > 0 {
		stopPx := decimal.NewFromFloat(req.StopPrice)
		replaceReq.StopPrice = &stopPx
	}

	var raw *alpaca.Order
	err := g.callWithRetry(ctx, "replace_order", func() error {
		result, repErr := g.trade.ReplaceOrder(orderID, replaceReq)
		if repErr != nil {
			return repErr
		}
		raw = result
		return nil
	})
	if err != nil {
		if broker.IsGone(err) {
			return broker.Order{}, broker.ErrOrderNotFound
		}
		return broker.Order{}, fmt.Errorf("alpaca: 修改委托失败: %w", err)
	}

	converted := g.convertOrder(raw)
	converted.OwnerSession = g.sessionID
	return converted, nil
}

// CancelOrder 撤销委托，对已消失委托返回 ErrOrderNotFound。
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	err := g.callWithRetry(ctx, "cancel_order", func() error {
		return g.trade.CancelOrder(orderID)
	})
	if err != nil {
		if broker.IsGone(err) {
			return broker.ErrOrderNotFound
		}
		return fmt.Errorf("alpaca: 撤单失败: %w", err)
	}
	return nil
}

// SimulateMargin 估算该委托所需保证金。
func (g *Gateway) SimulateMargin(ctx context.Context, req broker.OrderRequest) (float64, error) {
	price := req.StopPrice
	if req.Type == broker.OrderTypeMarket {
		quote, err := g.GetQuote(ctx, req.Symbol)
		if err != nil {
			return 0, err
		}
		price = quote
	}
	notional := float64(req.Shares) * price
	return notional * initialMarginRate, nil
}

// GetAccountValue 读取账户数值字段。
func (g *Gateway) GetAccountValue(ctx context.Context, tag broker.AccountTag) (float64, error) {
	var acct *alpaca.Account
	err := g.callWithRetry(ctx, "get_account", func() error {
		result, accErr := g.trade.GetAccount()
		if accErr != nil {
			return accErr
		}
		acct = result
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("alpaca: 获取账户信息失败: %w", err)
	}

	switch tag {
	case broker.TagNetLiquidation:
		return acct.Equity.InexactFloat64(), nil
	case broker.TagAvailableFunds:
		available := acct.Equity.Sub(acct.InitialMargin)
		return available.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("alpaca: 未知账户字段 %q", tag)
	}
}

// GetQuote 返回最新成交价。
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.callWithRetry(ctx, "get_quote", func() error {
		trade, quoteErr := g.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if quoteErr != nil {
			return quoteErr
		}
		if trade == nil {
			return errors.New("empty trade response")
		}
		price = trade.Price
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("alpaca: 获取报价失败: %w", err)
	}
	return price, nil
}

// GetBars 拉取K线。interval 支持 "5m" 与 "1d"。
func (g *Gateway) GetBars(ctx context.Context, symbol string, interval string, limit int) ([]broker.Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var timeframe marketdata.TimeFrame
	var lookback time.Duration
	switch interval {
	case "1d":
		timeframe = marketdata.OneDay
		lookback = time.Duration(limit*2) * 24 * time.Hour
	case "5m":
		timeframe = marketdata.NewTimeFrame(5, marketdata.Min)
		// 每个交易日78根5分钟K线，回看窗口放宽以覆盖停盘日。
		lookback = time.Duration((limit/78)+5) * 24 * time.Hour
	default:
		return nil, fmt.Errorf("alpaca: 不支持的K线周期 %q", interval)
	}

	var raw []marketdata.Bar
	err := g.callWithRetry(ctx, fmt.Sprintf("get_bars_%s", interval), func() error {
		result, barErr := g.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  timeframe,
			Start:      time.Now().UTC().Add(-lookback),
			TotalLimit: limit,
		})
		if barErr != nil {
			return barErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca: 获取K线失败: %w", err)
	}

	candles := make([]broker.Candle, 0, len(raw))
	for _, b := range raw {
		candles = append(candles, broker.Candle{
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (g *Gateway) findByClientID(ctx context.Context, clientOrderID string) (broker.Order, error) {
	var raw *alpaca.Order
	err := g.callWithRetry(ctx, "get_order_by_client_id", func() error {
		result, ordErr := g.trade.GetOrderByClientOrderID(clientOrderID)
		if ordErr != nil {
			return ordErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return broker.Order{}, fmt.Errorf("alpaca: 按客户端ID查询委托失败: %w", err)
	}
	converted := g.convertOrder(raw)
	converted.OwnerSession = g.sessionID
	return converted, nil
}

func (g *Gateway) newClientOrderID() string {
	return fmt.Sprintf("%s-%s", g.sessionID, uuid.NewString()[:12])
}

// convertOrder 将 Alpaca 委托转换为内部表示。
// 委托归属通过客户端ID前缀判定：前缀非本会话即为前次会话遗留。
func (g *Gateway) convertOrder(o *alpaca.Order) broker.Order {
	if o == nil {
		return broker.Order{}
	}

	shares := int64(0)
	if o.Qty != nil {
		shares = o.Qty.IntPart()
	}
	stopPrice := 0.0
	if o.StopPrice != nil {
		stopPrice = o.StopPrice.InexactFloat64()
	}
	avgFill := 0.0
	if o.FilledAvgPrice != nil {
		avgFill = o.FilledAvgPrice.InexactFloat64()
	}

	owner := ""
	if idx := strings.Index(o.ClientOrderID, "-"); idx > 0 {
		owner = o.ClientOrderID[:idx]
	}

	orderType := broker.OrderTypeMarket
	if strings.EqualFold(string(o.Type), "stop") {
		orderType = broker.OrderTypeStop
	}

	return broker.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          broker.Side(o.Side),
		Type:          orderType,
		Shares:        shares,
		StopPrice:     stopPrice,
		FilledShares:  o.FilledQty.IntPart(),
		AvgFillPrice:  avgFill,
		Status:        convertStatus(o.Status),
		OwnerSession:  owner,
		CreatedAt:     o.CreatedAt,
	}
}

func convertStatus(status string) broker.OrderStatus {
	switch strings.ToLower(status) {
	case "new", "accepted", "partially_filled":
		return broker.StatusWorking
	case "pending_new", "held", "accepted_for_bidding":
		return broker.StatusPendingSubmit
	case "filled":
		return broker.StatusFilled
	case "canceled", "cancelled", "expired", "done_for_day", "replaced":
		return broker.StatusCancelled
	case "rejected", "stopped", "suspended":
		return broker.StatusRejected
	default:
		return broker.StatusUnknown
	}
}

func isRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"insufficient", "rejected", "forbidden", "403", "422"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (g *Gateway) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := g.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := g.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	callTimeout := g.cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := runWithTimeout(ctx, callTimeout, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !broker.IsRetryable(err) || attempt >= g.cfg.Retry.MaxAttempts {
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		g.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// runWithTimeout 为阻塞式 SDK 调用套上硬超时，避免主循环被无界等待拖住。
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}
