package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
	"atr-trader/internal/feature"
	"atr-trader/internal/position"
	"atr-trader/internal/risk"
	"atr-trader/internal/store"
)

// 成交价未知时的保守估算系数：以止损价上浮1%计。
const fillEstimateFactor = 1.01

// 平仓原因。
const (
	ReasonStopTriggered = "stop_triggered"
	ReasonExitSignal    = "exit_signal"
	ReasonManualClose   = "manual_close"
	ReasonOvernightGap  = "overnight_gap"
	ReasonEndOfDay      = "eod"
)

// TradeJournal 记录已完结交易。
type TradeJournal interface {
	SaveTrade(ctx context.Context, trade store.TradeRecord) error
}

// Manager 管理单一标的的完整委托生命周期：
// 开仓bracket、跟踪止损、止损触发检测与各类平仓路径。
// 所有方法仅由主循环单协程调用。
type Manager struct {
	cfg     config.ExecutionConfig
	symbol  string
	gateway broker.Gateway
	riskMgr *risk.Manager
	book    *position.Book
	eval    *feature.Evaluator
	journal TradeJournal
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager 构造执行管理器。
func NewManager(
	cfg config.ExecutionConfig,
	symbol string,
	gateway broker.Gateway,
	riskMgr *risk.Manager,
	book *position.Book,
	eval *feature.Evaluator,
	journal TradeJournal,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		symbol:  symbol,
		gateway: gateway,
		riskMgr: riskMgr,
		book:    book,
		eval:    eval,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Book 返回底层账本。
func (m *Manager) Book() *position.Book {
	return m.book
}

// OpenResult 描述一次开仓的结果。
type OpenResult struct {
	Shares    int64
	FillPrice float64
	StopPrice float64
	Attempts  int
	StopOrder broker.Order
}

// OpenLongPosition 按特征快照开多：风险定价、保证金校验、
// bracket 提交，拒单时按比例缩股重试。
// 入场委托在止损就位前绝不独立生效。
func (m *Manager) OpenLongPosition(ctx context.Context, row feature.Row) (OpenResult, error) {
	if m.book.HasPosition() {
		return OpenResult{}, errors.New("execution: 已有持仓, 拒绝重复开仓")
	}

	entry, err := m.gateway.GetQuote(ctx, m.symbol)
	if err != nil {
		return OpenResult{}, fmt.Errorf("execution: 获取入场报价失败: %w", err)
	}

	stopPrice := m.eval.StopCandidate(row)
	if stopPrice <= 0 || stopPrice >= entry {
		return OpenResult{}, fmt.Errorf("execution: 止损候选价无效 (stop=%.2f entry=%.2f)", stopPrice, entry)
	}

	shares := m.riskMgr.Size(entry, stopPrice)
	if shares <= 0 {
		m.logger.Info("目标股数为零，放弃开仓",
			zap.Float64("entry", entry),
			zap.Float64("stop", stopPrice),
		)
		return OpenResult{}, nil
	}

	shares, err = m.riskMgr.ValidateOrderSize(ctx, m.symbol, shares)
	if err != nil {
		return OpenResult{}, fmt.Errorf("execution: 保证金校验失败: %w", err)
	}

	var entryOrder, stopOrder broker.Order
	attempts := 0
	for attempts < m.cfg.MaxEntryAttempts {
		attempts++
		entryOrder, stopOrder, err = m.gateway.PlaceBracket(ctx, m.symbol, shares, stopPrice)
		if err == nil {
			break
		}
		if !errors.Is(err, broker.ErrOrderRejected) {
			return OpenResult{}, fmt.Errorf("execution: bracket 提交失败: %w", err)
		}

		reduced := int64(math.Floor(float64(shares) * (1 - m.cfg.ReduceFactor)))
		m.logger.Warn("入场委托被拒，缩股重试",
			zap.Int("attempt", attempts),
			zap.Int64("shares", shares),
			zap.Int64("reduced", reduced),
			zap.Error(err),
		)
		shares = reduced
		if shares <= 0 {
			return OpenResult{}, fmt.Errorf("execution: 缩股后不足一股: %w", broker.ErrOrderRejected)
		}
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("execution: 入场重试次数耗尽: %w", err)
	}

	fillPrice := m.confirmFill(ctx, entryOrder, stopPrice)

	m.book.SetPosition(shares, fillPrice, m.now())
	m.book.SetStop(position.ProtectiveStop{
		OrderID:      stopOrder.ID,
		Price:        stopPrice,
		Shares:       shares,
		OwnerSession: m.gateway.SessionID(),
	})

	m.logger.Info("开仓完成",
		zap.String("symbol", m.symbol),
		zap.Int64("shares", shares),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("stop_price", stopPrice),
		zap.Int("attempts", attempts),
	)

	return OpenResult{
		Shares:    shares,
		FillPrice: fillPrice,
		StopPrice: stopPrice,
		Attempts:  attempts,
		StopOrder: stopOrder,
	}, nil
}

// confirmFill 确定入场成交价。estimate 策略直接采用券商回报或
// 止损价上浮的保守估算；poll 策略在限定窗口内轮询委托状态。
func (m *Manager) confirmFill(ctx context.Context, entryOrder broker.Order, stopPrice float64) float64 {
	if entryOrder.AvgFillPrice > 0 {
		return entryOrder.AvgFillPrice
	}

	if m.cfg.FillConfirmPolicy == config.FillConfirmPoll {
		deadline := m.now().Add(m.cfg.FillWait)
		for m.now().Before(deadline) {
			order, err := m.gateway.GetOrder(ctx, entryOrder.ID)
			if err == nil && order.Status == broker.StatusFilled && order.AvgFillPrice > 0 {
				return order.AvgFillPrice
			}
			timer := time.NewTimer(200 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stopPrice * fillEstimateFactor
			case <-timer.C:
			}
		}
	}

	if quote, quoteErr := m.gateway.GetQuote(ctx, m.symbol); quoteErr == nil && quote > 0 {
		return quote
	}

	estimate := stopPrice * fillEstimateFactor
	m.logger.Warn("成交价未确认，采用保守估算",
		zap.String("order_id", entryOrder.ID),
		zap.Float64("estimate", estimate),
	)
	return estimate
}

// UpdateTrailingStop 按最新特征上移止损价。只升不降，原地修改，
// 不撤销重建，避免保护真空窗口。
func (m *Manager) UpdateTrailingStop(ctx context.Context, row feature.Row) (bool, error) {
	if !m.book.HasPosition() || !m.book.HasStop() {
		return false, nil
	}

	stop := m.book.Stop()
	candidate := m.eval.StopCandidate(row)
	if candidate <= stop.Price {
		return false, nil
	}

	updated, err := m.gateway.ReplaceOrder(ctx, stop.OrderID, broker.ReplaceRequest{
		Shares:    stop.Shares,
		StopPrice: candidate,
	})
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			// 委托已消失，大概率已触发，交由触发检测收尾。
			m.logger.Warn("止损委托已不在场，跳过上移", zap.String("order_id", stop.OrderID))
			return false, nil
		}
		return false, fmt.Errorf("execution: 上移止损失败: %w", err)
	}

	stop.OrderID = updated.ID
	stop.Price = candidate
	stop.OwnerSession = m.gateway.SessionID()
	m.book.SetStop(stop)

	m.logger.Info("止损已上移",
		zap.String("order_id", stop.OrderID),
		zap.Float64("stop_price", candidate),
	)
	return true, nil
}

// CheckStopTriggered 通过持仓对比检测止损是否已触发：
// 本地账本有仓而券商侧已平，即判定触发并收尾记账。
func (m *Manager) CheckStopTriggered(ctx context.Context) (bool, error) {
	if !m.book.HasPosition() {
		return false, nil
	}

	livePositions, err := m.gateway.GetPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("execution: 查询持仓失败: %w", err)
	}

	var liveShares int64
	for _, p := range livePositions {
		if p.Symbol == m.symbol {
			liveShares = p.Shares
			break
		}
	}
	if liveShares > 0 {
		return false, nil
	}

	local := m.book.Position()
	exitPrice := m.book.Stop().Price
	// 优先采用止损委托的实际成交价，查不到时退回止损价。
	if stop := m.book.Stop(); stop.OrderID != "" {
		if order, orderErr := m.gateway.GetOrder(ctx, stop.OrderID); orderErr == nil &&
			order.Status == broker.StatusFilled && order.AvgFillPrice > 0 {
			exitPrice = order.AvgFillPrice
		}
	}
	m.logger.Info("检测到止损触发",
		zap.String("symbol", m.symbol),
		zap.Int64("shares", local.Shares),
		zap.Float64("exit_price", exitPrice),
	)

	m.recordTrade(ctx, local, exitPrice, ReasonStopTriggered)
	if err := m.CancelSymbolOrders(ctx); err != nil {
		m.logger.Warn("止损收尾撤单失败", zap.Error(err))
	}
	m.book.ResetFlat()
	return true, nil
}

// ClosePosition 市价平掉当前持仓：先撤止损，再平仓，最后记账。
func (m *Manager) ClosePosition(ctx context.Context, reason string) error {
	if !m.book.HasPosition() {
		return nil
	}
	local := m.book.Position()

	if m.book.HasStop() {
		if err := m.cancelOrder(ctx, m.book.Stop().OrderID); err != nil {
			return fmt.Errorf("execution: 平仓前撤止损失败: %w", err)
		}
		m.book.ClearStop()
	}

	order, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   m.symbol,
		Side:     broker.SideSell,
		Type:     broker.OrderTypeMarket,
		Shares:   local.Shares,
		Transmit: true,
	})
	if err != nil {
		return fmt.Errorf("execution: 市价平仓失败: %w", err)
	}

	exitPrice := order.AvgFillPrice
	if exitPrice <= 0 {
		if quote, quoteErr := m.gateway.GetQuote(ctx, m.symbol); quoteErr == nil {
			exitPrice = quote
		}
	}

	m.recordTrade(ctx, local, exitPrice, reason)
	m.book.ResetFlat()

	m.logger.Info("持仓已平",
		zap.String("symbol", m.symbol),
		zap.Int64("shares", local.Shares),
		zap.Float64("exit_price", exitPrice),
		zap.String("reason", reason),
	)
	return nil
}

// CloseAllPositions 紧急平掉券商侧全部持仓并撤掉本标的全部委托。
// 用于隔夜跳空等必须立即脱险的场景。
func (m *Manager) CloseAllPositions(ctx context.Context, reason string) error {
	if err := m.CancelSymbolOrders(ctx); err != nil {
		m.logger.Warn("紧急撤单失败，继续平仓", zap.Error(err))
	}

	livePositions, err := m.gateway.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("execution: 紧急平仓查询持仓失败: %w", err)
	}

	var firstErr error
	for _, p := range livePositions {
		if p.Shares <= 0 {
			continue
		}
		order, placeErr := m.gateway.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:   p.Symbol,
			Side:     broker.SideSell,
			Type:     broker.OrderTypeMarket,
			Shares:   p.Shares,
			Transmit: true,
		})
		if placeErr != nil {
			m.logger.Error("紧急平仓失败",
				zap.String("symbol", p.Symbol),
				zap.Int64("shares", p.Shares),
				zap.Error(placeErr),
			)
			if firstErr == nil {
				firstErr = placeErr
			}
			continue
		}
		if p.Symbol == m.symbol && m.book.HasPosition() {
			exitPrice := order.AvgFillPrice
			if exitPrice <= 0 {
				if quote, quoteErr := m.gateway.GetQuote(ctx, p.Symbol); quoteErr == nil {
					exitPrice = quote
				}
			}
			m.recordTrade(ctx, m.book.Position(), exitPrice, reason)
		}
	}

	m.book.ResetFlat()
	if firstErr != nil {
		return fmt.Errorf("execution: 紧急平仓部分失败: %w", firstErr)
	}
	return nil
}

// DetachStop 撤销在场止损但保留持仓，返回被撤销的止损快照。
// 隔夜封存路径使用：持仓过夜，保护价落盘。
func (m *Manager) DetachStop(ctx context.Context) (position.ProtectiveStop, error) {
	if !m.book.HasStop() {
		return position.ProtectiveStop{}, errors.New("execution: 无在场止损可撤")
	}
	stop := m.book.Stop()
	if err := m.cancelOrder(ctx, stop.OrderID); err != nil {
		return position.ProtectiveStop{}, fmt.Errorf("execution: 撤销止损失败: %w", err)
	}
	m.book.ClearStop()
	m.logger.Info("止损已撤销，持仓过夜",
		zap.String("order_id", stop.OrderID),
		zap.Float64("stop_price", stop.Price),
	)
	return stop, nil
}

// PlaceProtectiveStop 为已存在的持仓补挂独立止损（对账与隔夜恢复路径）。
func (m *Manager) PlaceProtectiveStop(ctx context.Context, shares int64, stopPrice float64) (broker.Order, error) {
	order, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    m.symbol,
		Side:      broker.SideSell,
		Type:      broker.OrderTypeStop,
		Shares:    shares,
		StopPrice: stopPrice,
		Transmit:  true,
	})
	if err != nil {
		return broker.Order{}, fmt.Errorf("execution: 补挂止损失败: %w", err)
	}

	m.book.SetStop(position.ProtectiveStop{
		OrderID:      order.ID,
		Price:        stopPrice,
		Shares:       shares,
		OwnerSession: m.gateway.SessionID(),
	})

	m.logger.Info("保护性止损已就位",
		zap.String("order_id", order.ID),
		zap.Int64("shares", shares),
		zap.Float64("stop_price", stopPrice),
	)
	return order, nil
}

// AdoptPosition 采纳券商侧持仓为本地账本事实。
func (m *Manager) AdoptPosition(shares int64, avgCost float64) {
	m.book.SetPosition(shares, avgCost, m.now())
	m.logger.Info("已采纳券商侧持仓",
		zap.String("symbol", m.symbol),
		zap.Int64("shares", shares),
		zap.Float64("avg_cost", avgCost),
	)
}

// AdoptStop 采纳在场止损委托为本地账本事实。
func (m *Manager) AdoptStop(order broker.Order) {
	m.book.SetStop(position.ProtectiveStop{
		OrderID:      order.ID,
		Price:        order.StopPrice,
		Shares:       order.Shares,
		OwnerSession: order.OwnerSession,
	})
}

// ResetFlat 将本地账本恢复为空仓。
func (m *Manager) ResetFlat() {
	m.book.ResetFlat()
}

// CancelSymbolOrders 撤销本标的全部在场委托。已消失的委托按成功处理。
func (m *Manager) CancelSymbolOrders(ctx context.Context) error {
	orders, err := m.gateway.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("execution: 查询在场委托失败: %w", err)
	}

	var firstErr error
	for _, o := range orders {
		if o.Symbol != m.symbol {
			continue
		}
		if cancelErr := m.cancelOrder(ctx, o.ID); cancelErr != nil && firstErr == nil {
			firstErr = cancelErr
		}
	}
	return firstErr
}

// cancelOrder 撤单，委托已消失视为成功。
func (m *Manager) cancelOrder(ctx context.Context, orderID string) error {
	err := m.gateway.CancelOrder(ctx, orderID)
	if err == nil || broker.IsGone(err) {
		return nil
	}
	return err
}

func (m *Manager) recordTrade(ctx context.Context, local position.Position, exitPrice float64, reason string) {
	if m.journal == nil {
		return
	}
	trade := store.TradeRecord{
		Symbol:     m.symbol,
		Shares:     local.Shares,
		EntryPrice: local.AvgCost,
		ExitPrice:  exitPrice,
		EntryTime:  local.OpenedAt,
		ExitTime:   m.now(),
		PnL:        (exitPrice - local.AvgCost) * float64(local.Shares),
		Reason:     reason,
	}
	if err := m.journal.SaveTrade(ctx, trade); err != nil {
		m.logger.Warn("交易流水落库失败", zap.Error(err))
	}
}
