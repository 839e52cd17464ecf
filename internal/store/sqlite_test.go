package store

import (
	"context"
	"testing"
	"time"

	"atr-trader/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("初始化内存数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndListTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := time.Date(2026, 3, 2, 14, 35, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.SaveTrade(ctx, TradeRecord{
			Symbol:     "SPY",
			Shares:     100,
			EntryPrice: 100,
			ExitPrice:  104,
			EntryTime:  entry,
			ExitTime:   entry.Add(2 * time.Hour),
			PnL:        400,
			Reason:     "exit_signal",
		})
		if err != nil {
			t.Fatalf("写入交易失败: %v", err)
		}
	}

	trades, err := s.ListTrades(ctx, 2)
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("期望2条记录, 实际 %d", len(trades))
	}
	got := trades[0]
	if got.Symbol != "SPY" || got.PnL != 400 || got.Reason != "exit_signal" {
		t.Fatalf("记录不正确: %+v", got)
	}
	if !got.EntryTime.Equal(entry) {
		t.Fatalf("入场时间 = %v, 期望 %v", got.EntryTime, entry)
	}
}

func TestFeatureUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	barTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	if err := s.SaveFeature(ctx, FeatureRecord{
		Symbol: "SPY", BarTime: barTime, Close: 100, ATR: 0.5, TrendReference: 98, Oscillator: -85,
	}); err != nil {
		t.Fatalf("写入特征失败: %v", err)
	}
	// 同一根K线重复写入应覆盖。
	if err := s.SaveFeature(ctx, FeatureRecord{
		Symbol: "SPY", BarTime: barTime, Close: 101, ATR: 0.6, TrendReference: 98, Oscillator: -80,
	}); err != nil {
		t.Fatalf("覆盖特征失败: %v", err)
	}

	got, ok, err := s.LatestFeature(ctx, "SPY")
	if err != nil {
		t.Fatalf("查询特征失败: %v", err)
	}
	if !ok {
		t.Fatal("应存在特征快照")
	}
	if got.Close != 101 || got.ATR != 0.6 {
		t.Fatalf("覆盖未生效: %+v", got)
	}
	if !got.BarTime.Equal(barTime) {
		t.Fatalf("K线时间 = %v, 期望 %v", got.BarTime, barTime)
	}

	if _, ok, err := s.LatestFeature(ctx, "QQQ"); err != nil || ok {
		t.Fatalf("未知标的应返回不存在: ok=%v err=%v", ok, err)
	}
}

func TestSaveAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, kind := range []string{"position_opened", "stop_updated", "position_opened"} {
		if _, err := s.SaveEvent(ctx, EventRecord{
			Kind: kind, Summary: "测试事件", Payload: `{"shares":100}`, CreatedAt: now,
		}); err != nil {
			t.Fatalf("写入事件失败: %v", err)
		}
	}

	all, err := s.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("期望3条事件, 实际 %d", len(all))
	}

	opened, err := s.ListEvents(ctx, "position_opened", 10)
	if err != nil {
		t.Fatalf("按类型查询失败: %v", err)
	}
	if len(opened) != 2 {
		t.Fatalf("期望2条开仓事件, 实际 %d", len(opened))
	}
}
