package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"atr-trader/internal/config"
	"atr-trader/internal/execution"
	"atr-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("初始化内存数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil, nil)
	if err != nil {
		t.Fatalf("初始化监控服务失败: %v", err)
	}
	return svc
}

func TestRecordAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordPositionOpened(ctx, "SPY", execution.OpenResult{
		Shares: 400, FillPrice: 100, StopPrice: 95, Attempts: 1,
	})
	svc.RecordStopUpdated(ctx, "SPY", 96.5)
	svc.RecordError(ctx, "trailing_stop", errors.New("boom"))
	svc.RecordError(ctx, "trailing_stop", nil) // nil 错误不落库

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("期望3条事件, 实际 %d", len(events))
	}

	opened, err := svc.ListEvents(ctx, string(EventPositionOpened), 10)
	if err != nil {
		t.Fatalf("按类型查询失败: %v", err)
	}
	if len(opened) != 1 {
		t.Fatalf("期望1条开仓事件, 实际 %d", len(opened))
	}

	var payload PositionOpenedPayload
	if err := json.Unmarshal([]byte(opened[0].Payload), &payload); err != nil {
		t.Fatalf("解析载荷失败: %v", err)
	}
	if payload.Symbol != "SPY" || payload.Result.Shares != 400 {
		t.Fatalf("载荷不正确: %+v", payload)
	}
}
