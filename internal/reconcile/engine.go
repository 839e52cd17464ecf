package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/store"
)

// FeatureSource 提供最近一次持久化的特征快照。
type FeatureSource interface {
	LatestFeature(ctx context.Context, symbol string) (store.FeatureRecord, bool, error)
}

// Engine 在启动与重连后将本地账本对齐到券商侧事实：
// 券商侧持仓与在场委托是唯一可信来源，本地状态只能被其覆盖。
type Engine struct {
	symbol   string
	gateway  broker.Gateway
	exec     *execution.Manager
	features FeatureSource
	eval     *feature.Evaluator
	logger   *zap.Logger
}

// NewEngine 构造对账引擎。
func NewEngine(
	symbol string,
	gateway broker.Gateway,
	exec *execution.Manager,
	features FeatureSource,
	eval *feature.Evaluator,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		symbol:   symbol,
		gateway:  gateway,
		exec:     exec,
		features: features,
		eval:     eval,
		logger:   logger,
	}
}

// Report 描述一次对账的处置结果。
type Report struct {
	BrokerShares    int64   `json:"broker_shares"`
	AvgCost         float64 `json:"avg_cost"`
	PositionAdopted bool    `json:"position_adopted"`
	StopAdopted     bool    `json:"stop_adopted"`
	StopReclaimed   bool    `json:"stop_reclaimed"`
	EmergencyPlaced bool    `json:"emergency_placed"`
	EmergencyPrice  float64 `json:"emergency_price"`
	RiskAlert       bool    `json:"risk_alert"`
	StrayCancelled  int     `json:"stray_cancelled"`
}

// Sync 执行一轮对账。幂等：对已一致的状态重复执行不产生副作用。
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	var report Report

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: 查询券商持仓失败: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == e.symbol {
			report.BrokerShares = p.Shares
			report.AvgCost = p.AvgCost
			break
		}
	}

	orders, err := e.gateway.GetOpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: 查询在场委托失败: %w", err)
	}
	var stops []broker.Order
	for _, o := range orders {
		if o.Symbol == e.symbol && o.Side == broker.SideSell && o.Type == broker.OrderTypeStop && o.Status.Active() {
			stops = append(stops, o)
		}
	}

	// 空仓：本地清账，残留委托全部撤掉。
	if report.BrokerShares <= 0 {
		e.exec.ResetFlat()
		for _, o := range orders {
			if o.Symbol != e.symbol {
				continue
			}
			if cancelErr := e.cancel(ctx, o.ID); cancelErr != nil {
				e.logger.Warn("撤销残留委托失败", zap.String("order_id", o.ID), zap.Error(cancelErr))
				continue
			}
			report.StrayCancelled++
		}
		e.logger.Info("对账完成：券商侧空仓", zap.Int("stray_cancelled", report.StrayCancelled))
		return report, nil
	}

	// 有仓：以券商侧数量与成本覆盖本地账本。
	e.exec.AdoptPosition(report.BrokerShares, report.AvgCost)
	report.PositionAdopted = true

	// 多余的重复止损只保留一笔。
	for _, extra := range stopsAfterFirst(stops) {
		if cancelErr := e.cancel(ctx, extra.ID); cancelErr != nil {
			e.logger.Warn("撤销重复止损失败", zap.String("order_id", extra.ID), zap.Error(cancelErr))
			continue
		}
		report.StrayCancelled++
	}

	if len(stops) == 0 {
		return e.placeEmergencyStop(ctx, report)
	}

	stop := stops[0]
	if stop.OwnerSession == e.gateway.SessionID() {
		e.exec.AdoptStop(stop)
		report.StopAdopted = true
		e.logger.Info("对账完成：止损归属当前会话", zap.String("order_id", stop.ID))
		return report, nil
	}

	// 止损归属前次会话：撤销后以当前会话同价重挂。
	// 委托在撤销瞬间已消失（如刚触发）按撤销成功处理。
	if cancelErr := e.cancel(ctx, stop.ID); cancelErr != nil {
		return report, fmt.Errorf("reconcile: 收编前次会话止损失败: %w", cancelErr)
	}
	if _, placeErr := e.exec.PlaceProtectiveStop(ctx, report.BrokerShares, stop.StopPrice); placeErr != nil {
		report.RiskAlert = true
		return report, fmt.Errorf("reconcile: 重挂止损失败: %w", placeErr)
	}

	report.StopReclaimed = true
	e.logger.Info("对账完成：已收编前次会话止损",
		zap.String("old_order_id", stop.ID),
		zap.Float64("stop_price", stop.StopPrice),
		zap.Int64("shares", report.BrokerShares),
	)
	return report, nil
}

// placeEmergencyStop 为无保护持仓补挂应急止损。
// 无可用特征时只能拉响风控告警，由人工介入。
func (e *Engine) placeEmergencyStop(ctx context.Context, report Report) (Report, error) {
	record, ok, err := e.features.LatestFeature(ctx, e.symbol)
	if err != nil {
		report.RiskAlert = true
		return report, fmt.Errorf("reconcile: 读取特征快照失败: %w", err)
	}
	if !ok || record.ATR <= 0 {
		report.RiskAlert = true
		e.logger.Error("持仓无保护且无可用特征，需人工介入",
			zap.String("symbol", e.symbol),
			zap.Int64("shares", report.BrokerShares),
		)
		return report, nil
	}

	candidate := e.eval.StopCandidate(feature.Row{
		BarTime:        record.BarTime,
		Close:          record.Close,
		ATR:            record.ATR,
		TrendReference: record.TrendReference,
		Oscillator:     record.Oscillator,
	})
	if candidate <= 0 {
		report.RiskAlert = true
		e.logger.Error("应急止损候选价无效，需人工介入", zap.Float64("candidate", candidate))
		return report, nil
	}

	if _, placeErr := e.exec.PlaceProtectiveStop(ctx, report.BrokerShares, candidate); placeErr != nil {
		report.RiskAlert = true
		return report, fmt.Errorf("reconcile: 补挂应急止损失败: %w", placeErr)
	}

	report.EmergencyPlaced = true
	report.EmergencyPrice = candidate
	e.logger.Warn("对账完成：已补挂应急止损",
		zap.Float64("stop_price", candidate),
		zap.Int64("shares", report.BrokerShares),
	)
	return report, nil
}

func (e *Engine) cancel(ctx context.Context, orderID string) error {
	err := e.gateway.CancelOrder(ctx, orderID)
	if err == nil || broker.IsGone(err) {
		return nil
	}
	return err
}

func stopsAfterFirst(stops []broker.Order) []broker.Order {
	if len(stops) <= 1 {
		return nil
	}
	return stops[1:]
}
