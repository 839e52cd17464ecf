package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/indicator"
	"atr-trader/internal/monitor"
	"atr-trader/internal/overnight"
	"atr-trader/internal/position"
	"atr-trader/internal/reconcile"
	"atr-trader/internal/risk"
	"atr-trader/internal/store"
)

// CommandAction 枚举运行期指令。
type CommandAction string

const (
	CommandPause        CommandAction = "pause"
	CommandResume       CommandAction = "resume"
	CommandClosePos     CommandAction = "close_positions"
	CommandCancelOrders CommandAction = "cancel_orders"
	CommandUpdateRisk   CommandAction = "update_risk"
	CommandStatus       CommandAction = "status"
	CommandStop         CommandAction = "stop"
)

// Command 为投递给主循环的运行期指令。
type Command struct {
	Action  CommandAction `json:"action"`
	RiskPct float64       `json:"risk_pct,omitempty"`

	reply chan CommandResult
}

// CommandResult 为指令处理结果。
type CommandResult struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Status  *StatusSnapshot `json:"status,omitempty"`
}

// StatusSnapshot 为 status 指令返回的运行快照。
type StatusSnapshot struct {
	Paused       bool              `json:"paused"`
	Connected    bool              `json:"connected"`
	Capital      float64           `json:"capital"`
	RiskPerTrade float64           `json:"risk_per_trade"`
	Book         position.Snapshot `json:"book"`
	LastBar      time.Time         `json:"last_bar,omitempty"`
}

// orchestrator 驱动交易主循环。持仓账本、止损与预算全部由
// 该循环的单一协程持有，指令与券商事件经通道汇入，无锁。
type orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	gateway  broker.Gateway
	schedule *schedule

	calc    *indicator.Calculator
	eval    *feature.Evaluator
	riskMgr *risk.Manager
	exec    *execution.Manager
	recon   *reconcile.Engine
	guard   *overnight.Guard
	monitor *monitor.Service
	store   *store.Store

	commands chan Command
	paused   bool
	stopping bool
	lastBar  time.Time

	// 日程触发的每日去重键。
	preMarketDone string
	endOfDayDone  string

	// 断线重连的退避状态，由主循环独占。
	reconnectAt      time.Time
	reconnectDelay   time.Duration
	reconnectAttempt int
}

func newOrchestrator(
	cfg *config.Config,
	gateway broker.Gateway,
	st *store.Store,
	monitorSvc *monitor.Service,
	logger *zap.Logger,
) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sched, err := newSchedule(cfg.Trading)
	if err != nil {
		return nil, fmt.Errorf("初始化交易日程失败: %w", err)
	}

	eval := feature.NewEvaluator(cfg.Strategy)
	book := position.NewBook(cfg.Trading.Symbol)
	riskMgr := risk.NewManager(cfg.Risk, gateway, logger)
	exec := execution.NewManager(cfg.Execution, cfg.Trading.Symbol, gateway, riskMgr, book, eval, st, logger)
	recon := reconcile.NewEngine(cfg.Trading.Symbol, gateway, exec, st, eval, logger)
	guard := overnight.NewGuard(cfg.Trading.Symbol, cfg.Overnight.StatePath, gateway, exec, sched.location, logger)

	return &orchestrator{
		cfg:      cfg,
		logger:   logger,
		gateway:  gateway,
		schedule: sched,
		calc:     indicator.NewCalculator(cfg.Strategy),
		eval:     eval,
		riskMgr:  riskMgr,
		exec:     exec,
		recon:    recon,
		guard:    guard,
		monitor:  monitorSvc,
		store:    st,
		commands: make(chan Command, cfg.Monitor.CommandBuffer),
	}, nil
}

// Execute 将指令投递给主循环并等待处理结果。
func (o *orchestrator) Execute(ctx context.Context, cmd Command) CommandResult {
	cmd.reply = make(chan CommandResult, 1)
	select {
	case o.commands <- cmd:
	case <-ctx.Done():
		return CommandResult{OK: false, Message: "指令投递超时"}
	}
	select {
	case result := <-cmd.reply:
		return result
	case <-ctx.Done():
		return CommandResult{OK: false, Message: "等待指令结果超时"}
	}
}

// Run 执行主循环：启动对账后每秒tick一次，整分命中日程点。
func (o *orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("主循环收到退出信号")
			return nil
		case now := <-ticker.C:
			o.onTick(ctx, now)
		case cmd := <-o.commands:
			o.onCommand(ctx, cmd)
			if o.stopping {
				o.logger.Info("主循环按指令停止")
				return nil
			}
		case event, ok := <-o.gateway.Events():
			if !ok {
				continue
			}
			o.onBrokerEvent(ctx, event)
		}
	}
}

// startup 建立连接并把本地账本对齐到券商侧：
// 先消费遗留的隔夜状态，再做持仓对账。
func (o *orchestrator) startup(ctx context.Context) error {
	connectCtx, cancel := o.opContext(ctx)
	err := o.gateway.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("连接券商网关失败: %w", err)
	}

	if err := o.withTimeout(ctx, func(opCtx context.Context) error {
		return o.riskMgr.Refresh(opCtx)
	}); err != nil {
		return err
	}

	if err := o.withTimeout(ctx, func(opCtx context.Context) error {
		result, guardErr := o.guard.PreMarket(opCtx)
		if result.Loaded {
			o.monitor.RecordPreMarket(opCtx, result)
		}
		return guardErr
	}); err != nil {
		o.logger.Error("启动期隔夜检查失败", zap.Error(err))
		o.monitor.RecordError(ctx, "startup_pre_market", err)
	}

	if err := o.withTimeout(ctx, func(opCtx context.Context) error {
		report, syncErr := o.recon.Sync(opCtx)
		o.monitor.RecordReconciliation(opCtx, report)
		if report.RiskAlert {
			o.monitor.RecordRiskAlert(opCtx, "对账发现无保护持仓，需人工介入")
		}
		return syncErr
	}); err != nil {
		return fmt.Errorf("启动对账失败: %w", err)
	}

	o.logger.Info("主循环已就绪",
		zap.String("symbol", o.cfg.Trading.Symbol),
		zap.String("session", o.gateway.SessionID()),
		zap.Bool("has_position", o.exec.Book().HasPosition()),
	)
	return nil
}

// onTick 处理一秒一拍。任一阶段出错即放弃本拍，下一拍重新来过。
func (o *orchestrator) onTick(ctx context.Context, now time.Time) {
	if !o.gateway.IsConnected() {
		o.tryReconnect(ctx, now)
		return
	}
	if !o.schedule.onMinute(now) || !o.schedule.isTradingDay(now) {
		return
	}

	dateKey := o.schedule.dateKey(now)

	if o.schedule.isPreMarket(now) && o.preMarketDone != dateKey {
		o.preMarketDone = dateKey
		o.runPreMarket(ctx)
		return
	}

	if o.schedule.isEndOfDay(now) && o.endOfDayDone != dateKey {
		o.endOfDayDone = dateKey
		o.runEndOfDay(ctx)
		// 收盘封存后持仓处于无止损过夜状态，本拍不再按K线决策。
		return
	}

	if o.schedule.isBarBoundary(now) {
		o.onBar(ctx, now)
	}
}

func (o *orchestrator) runPreMarket(ctx context.Context) {
	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		result, guardErr := o.guard.PreMarket(opCtx)
		if result.Loaded {
			o.monitor.RecordPreMarket(opCtx, result)
			if result.GapDetected {
				o.monitor.RecordPositionClosed(opCtx, execution.ReasonOvernightGap)
			}
		}
		return guardErr
	})
	if err != nil {
		o.logger.Error("开盘前检查失败", zap.Error(err))
		o.monitor.RecordError(ctx, "pre_market", err)
	}
}

func (o *orchestrator) runEndOfDay(ctx context.Context) {
	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		result, guardErr := o.guard.EndOfDay(opCtx)
		if guardErr == nil && result.Persisted {
			o.monitor.RecordEndOfDay(opCtx, result)
		}
		return guardErr
	})
	if err != nil {
		o.logger.Error("收盘封存失败", zap.Error(err))
		o.monitor.RecordError(ctx, "end_of_day", err)
	}
}

// onBar 处理一根已收盘K线：取数、算特征、巡检止损、再做进出场决策。
func (o *orchestrator) onBar(ctx context.Context, now time.Time) {
	row, err := o.computeFeatures(ctx)
	if err != nil {
		o.logger.Error("特征计算失败，跳过本拍", zap.Error(err))
		o.monitor.RecordError(ctx, "features", err)
		return
	}
	o.lastBar = row.BarTime

	if row.Stale(now, o.cfg.Strategy.MaxStaleness) {
		o.logger.Warn("特征数据过期，跳过本拍",
			zap.Time("bar_time", row.BarTime),
			zap.Duration("max_staleness", o.cfg.Strategy.MaxStaleness),
		)
		return
	}

	triggered := false
	if err := o.withTimeout(ctx, func(opCtx context.Context) error {
		var checkErr error
		triggered, checkErr = o.exec.CheckStopTriggered(opCtx)
		return checkErr
	}); err != nil {
		o.logger.Error("止损触发检测失败，跳过本拍", zap.Error(err))
		o.monitor.RecordError(ctx, "stop_check", err)
		return
	}
	if triggered {
		o.monitor.RecordStopTriggered(ctx, o.cfg.Trading.Symbol)
		return
	}

	if o.exec.Book().HasPosition() {
		o.manageOpenPosition(ctx, row)
		return
	}
	if o.paused {
		return
	}
	o.tryEnter(ctx, row)
}

func (o *orchestrator) manageOpenPosition(ctx context.Context, row feature.Row) {
	if o.eval.ExitSignal(row) {
		err := o.withTimeout(ctx, func(opCtx context.Context) error {
			return o.exec.ClosePosition(opCtx, execution.ReasonExitSignal)
		})
		if err != nil {
			o.logger.Error("信号平仓失败", zap.Error(err))
			o.monitor.RecordError(ctx, "exit", err)
			return
		}
		o.monitor.RecordPositionClosed(ctx, execution.ReasonExitSignal)
		return
	}

	updated := false
	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		var updateErr error
		updated, updateErr = o.exec.UpdateTrailingStop(opCtx, row)
		return updateErr
	})
	if err != nil {
		o.logger.Error("上移止损失败", zap.Error(err))
		o.monitor.RecordError(ctx, "trailing_stop", err)
		return
	}
	if updated {
		o.monitor.RecordStopUpdated(ctx, o.cfg.Trading.Symbol, o.exec.Book().Stop().Price)
	}
}

func (o *orchestrator) tryEnter(ctx context.Context, row feature.Row) {
	if !o.eval.EntrySignal(row) {
		return
	}

	// 开仓前刷新预算。刷新失败是致命信号，绝不在过期预算上下单。
	if err := o.withTimeout(ctx, func(opCtx context.Context) error {
		return o.riskMgr.Refresh(opCtx)
	}); err != nil {
		o.logger.Error("预算刷新失败，放弃入场", zap.Error(err))
		o.monitor.RecordError(ctx, "budget_refresh", err)
		return
	}

	var result execution.OpenResult
	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		var openErr error
		result, openErr = o.exec.OpenLongPosition(opCtx, row)
		return openErr
	})
	if err != nil {
		o.logger.Error("开仓失败", zap.Error(err))
		o.monitor.RecordError(ctx, "entry", err)
		if errors.Is(err, broker.ErrInsufficientMargin) {
			o.monitor.RecordRiskAlert(ctx, "保证金不足，入场被拒")
		}
		return
	}
	if result.Shares > 0 {
		o.monitor.RecordPositionOpened(ctx, o.cfg.Trading.Symbol, result)
	}
}

func (o *orchestrator) computeFeatures(ctx context.Context) (feature.Row, error) {
	var row feature.Row
	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		bars, barErr := o.gateway.GetBars(opCtx, o.cfg.Trading.Symbol, barInterval(o.cfg.Trading.BarInterval), o.calc.MinBars()+20)
		if barErr != nil {
			return barErr
		}
		computed, calcErr := o.calc.Compute(bars)
		if calcErr != nil {
			return calcErr
		}
		row = computed
		return nil
	})
	if err != nil {
		return feature.Row{}, err
	}

	if saveErr := o.store.SaveFeature(ctx, store.FeatureRecord{
		Symbol:         o.cfg.Trading.Symbol,
		BarTime:        row.BarTime,
		Close:          row.Close,
		ATR:            row.ATR,
		TrendReference: row.TrendReference,
		Oscillator:     row.Oscillator,
	}); saveErr != nil {
		o.logger.Warn("特征快照落库失败", zap.Error(saveErr))
	}
	o.monitor.RecordFeature(ctx, o.cfg.Trading.Symbol, row)
	return row, nil
}

func (o *orchestrator) onCommand(ctx context.Context, cmd Command) {
	result := o.handleCommand(ctx, cmd)
	if cmd.reply != nil {
		cmd.reply <- result
	}
}

func (o *orchestrator) handleCommand(ctx context.Context, cmd Command) CommandResult {
	switch cmd.Action {
	case CommandPause:
		o.paused = true
		o.logger.Info("已暂停新开仓，存量持仓照常管理")
		return CommandResult{OK: true, Message: "已暂停新开仓"}

	case CommandResume:
		o.paused = false
		o.logger.Info("已恢复新开仓")
		return CommandResult{OK: true, Message: "已恢复新开仓"}

	case CommandClosePos:
		err := o.withTimeout(ctx, func(opCtx context.Context) error {
			return o.exec.ClosePosition(opCtx, execution.ReasonManualClose)
		})
		if err != nil {
			return CommandResult{OK: false, Message: err.Error()}
		}
		o.monitor.RecordPositionClosed(ctx, execution.ReasonManualClose)
		return CommandResult{OK: true, Message: "持仓已平"}

	case CommandCancelOrders:
		err := o.withTimeout(ctx, func(opCtx context.Context) error {
			return o.exec.CancelSymbolOrders(opCtx)
		})
		if err != nil {
			return CommandResult{OK: false, Message: err.Error()}
		}
		o.exec.Book().ClearStop()
		return CommandResult{OK: true, Message: "在场委托已撤"}

	case CommandUpdateRisk:
		if err := o.riskMgr.SetRiskPerTrade(cmd.RiskPct); err != nil {
			return CommandResult{OK: false, Message: err.Error()}
		}
		return CommandResult{OK: true, Message: fmt.Sprintf("单笔风险已调整为 %.4f", cmd.RiskPct)}

	case CommandStop:
		o.stopping = true
		o.logger.Info("收到停止指令，存量持仓与止损保持在场")
		return CommandResult{OK: true, Message: "正在停止"}

	case CommandStatus:
		status := StatusSnapshot{
			Paused:       o.paused,
			Connected:    o.gateway.IsConnected(),
			Capital:      o.riskMgr.Capital(),
			RiskPerTrade: o.riskMgr.RiskPerTrade(),
			Book:         o.exec.Book().Snapshot(),
			LastBar:      o.lastBar,
		}
		return CommandResult{OK: true, Status: &status}

	default:
		return CommandResult{OK: false, Message: fmt.Sprintf("未知指令 %q", cmd.Action)}
	}
}

func (o *orchestrator) onBrokerEvent(ctx context.Context, event broker.Event) {
	switch e := event.(type) {
	case broker.FillEvent:
		o.logger.Info("收到成交回报",
			zap.String("order_id", e.OrderID),
			zap.String("side", string(e.Side)),
			zap.Int64("shares", e.Shares),
			zap.Float64("price", e.Price),
		)
	case broker.OrderRejectEvent:
		o.logger.Warn("收到拒单回报",
			zap.String("order_id", e.OrderID),
			zap.String("reason", e.Reason),
		)
	case broker.DisconnectEvent:
		o.logger.Error("券商连接断开，下一拍开始重连", zap.String("reason", e.Reason))
		o.reconnectAt = time.Time{}
		o.reconnectDelay = 0
		o.reconnectAttempt = 0
	case broker.ErrorEvent:
		o.logger.Warn("券商侧异步错误",
			zap.Int("code", e.Code),
			zap.String("message", e.Message),
		)
	}
}

// tryReconnect 每拍至多发起一次有界的重连，失败按指数退避推迟
// 下一次尝试。尝试之间主循环照常响应指令与事件，断线期间
// 只是跳过行情拍。重连成功后立即重新对账。
func (o *orchestrator) tryReconnect(ctx context.Context, now time.Time) {
	if now.Before(o.reconnectAt) {
		return
	}
	o.reconnectAttempt++

	err := o.withTimeout(ctx, func(opCtx context.Context) error {
		return o.gateway.Connect(opCtx)
	})
	if err != nil {
		if o.reconnectDelay <= 0 {
			o.reconnectDelay = o.cfg.Broker.Retry.MinDelay
		} else {
			o.reconnectDelay *= 2
			if o.reconnectDelay > o.cfg.Broker.Retry.MaxDelay {
				o.reconnectDelay = o.cfg.Broker.Retry.MaxDelay
			}
		}
		o.reconnectAt = now.Add(o.reconnectDelay)
		o.logger.Error("重连失败，退避后重试",
			zap.Int("attempt", o.reconnectAttempt),
			zap.Duration("delay", o.reconnectDelay),
			zap.Error(err),
		)
		return
	}

	o.logger.Info("重连成功", zap.Int("attempt", o.reconnectAttempt))
	o.reconnectAt = time.Time{}
	o.reconnectDelay = 0
	o.reconnectAttempt = 0

	err = o.withTimeout(ctx, func(opCtx context.Context) error {
		report, syncErr := o.recon.Sync(opCtx)
		o.monitor.RecordReconciliation(opCtx, report)
		return syncErr
	})
	if err != nil {
		o.logger.Error("重连后对账失败", zap.Error(err))
		o.monitor.RecordError(ctx, "resync", err)
		return
	}
	o.logger.Info("重连完成，账本已重新对齐")
}

func (o *orchestrator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.cfg.Broker.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (o *orchestrator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := o.opContext(ctx)
	defer cancel()
	return fn(opCtx)
}

func barInterval(d time.Duration) string {
	if d >= 24*time.Hour {
		return "1d"
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
