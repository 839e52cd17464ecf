package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/overnight"
	"atr-trader/internal/reconcile"
	"atr-trader/internal/store"
)

// Service 负责持久化监控事件并向已连接客户端广播。
type Service struct {
	store  *store.Store
	hub    *Hub
	logger *zap.Logger
}

// NewService 初始化监控服务。
func NewService(st *store.Store, hub *Hub, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, hub: hub, logger: logger}, nil
}

// Record 持久化并广播单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if _, err := s.store.SaveEvent(ctx, store.EventRecord{
		Kind:      string(event.Kind),
		Summary:   event.Summary,
		Payload:   string(payload),
		CreatedAt: event.Timestamp,
	}); err != nil {
		return err
	}

	if s.hub != nil {
		if message, marshalErr := json.Marshal(event); marshalErr == nil {
			s.hub.Broadcast(message)
		}
	}
	return nil
}

// RecordPositionOpened 记录开仓。
func (s *Service) RecordPositionOpened(ctx context.Context, symbol string, result execution.OpenResult) {
	s.record(ctx, Event{
		Kind:    EventPositionOpened,
		Summary: fmt.Sprintf("开仓 %s %d股 @%.2f 止损%.2f", symbol, result.Shares, result.FillPrice, result.StopPrice),
		Payload: PositionOpenedPayload{Symbol: symbol, Result: result},
	})
}

// RecordPositionClosed 记录平仓。
func (s *Service) RecordPositionClosed(ctx context.Context, why string) {
	s.record(ctx, Event{
		Kind:    EventPositionClosed,
		Summary: fmt.Sprintf("平仓: %s", why),
		Payload: PositionClosedPayload{Why: why},
	})
}

// RecordStopUpdated 记录止损上移。
func (s *Service) RecordStopUpdated(ctx context.Context, symbol string, stopPrice float64) {
	s.record(ctx, Event{
		Kind:    EventStopUpdated,
		Summary: fmt.Sprintf("止损上移至 %.2f", stopPrice),
		Payload: StopUpdatedPayload{Symbol: symbol, StopPrice: stopPrice},
	})
}

// RecordStopTriggered 记录止损触发。
func (s *Service) RecordStopTriggered(ctx context.Context, symbol string) {
	s.record(ctx, Event{
		Kind:    EventStopTriggered,
		Summary: fmt.Sprintf("%s 止损触发", symbol),
	})
}

// RecordRiskAlert 记录风控告警。
func (s *Service) RecordRiskAlert(ctx context.Context, message string) {
	s.record(ctx, Event{
		Kind:    EventRiskAlert,
		Summary: message,
	})
}

// RecordReconciliation 记录对账处置。
func (s *Service) RecordReconciliation(ctx context.Context, report reconcile.Report) {
	s.record(ctx, Event{
		Kind:    EventReconciliation,
		Summary: fmt.Sprintf("对账: 券商持仓%d股", report.BrokerShares),
		Payload: ReconciliationPayload{Report: report},
	})
}

// RecordEndOfDay 记录收盘封存。
func (s *Service) RecordEndOfDay(ctx context.Context, result overnight.EndOfDayResult) {
	s.record(ctx, Event{
		Kind:    EventOvernight,
		Summary: "收盘封存",
		Payload: OvernightPayload{Phase: "end_of_day", EndOfDay: &result},
	})
}

// RecordPreMarket 记录开盘前检查。
func (s *Service) RecordPreMarket(ctx context.Context, result overnight.PreMarketResult) {
	s.record(ctx, Event{
		Kind:    EventOvernight,
		Summary: "开盘前检查",
		Payload: OvernightPayload{Phase: "pre_market", PreMarket: &result},
	})
}

// RecordFeature 记录特征快照。
func (s *Service) RecordFeature(ctx context.Context, symbol string, row feature.Row) {
	s.record(ctx, Event{
		Kind:    EventFeature,
		Summary: fmt.Sprintf("特征 close=%.2f atr=%.3f osc=%.1f", row.Close, row.ATR, row.Oscillator),
		Payload: FeaturePayload{Symbol: symbol, Row: row},
	})
}

// RecordError 记录运行异常。
func (s *Service) RecordError(ctx context.Context, stage string, err error) {
	if err == nil {
		return
	}
	s.record(ctx, Event{
		Kind:    EventError,
		Summary: fmt.Sprintf("%s 失败", stage),
		Payload: ErrorPayload{Stage: stage, Message: err.Error()},
	})
}

// ListEvents 检索最近事件。
func (s *Service) ListEvents(ctx context.Context, kind string, limit int) ([]store.EventRecord, error) {
	return s.store.ListEvents(ctx, kind, limit)
}

func (s *Service) record(ctx context.Context, event Event) {
	if err := s.Record(ctx, event); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}
