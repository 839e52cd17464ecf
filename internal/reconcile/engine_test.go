package reconcile

import (
	"context"
	"testing"
	"time"

	"atr-trader/internal/broker"
	"atr-trader/internal/broker/paper"
	"atr-trader/internal/config"
	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/position"
	"atr-trader/internal/risk"
	"atr-trader/internal/store"
)

const testSymbol = "SPY"

type memFeatures struct {
	record store.FeatureRecord
	ok     bool
}

func (m *memFeatures) LatestFeature(ctx context.Context, symbol string) (store.FeatureRecord, bool, error) {
	return m.record, m.ok, nil
}

type fixture struct {
	gw       *paper.Gateway
	exec     *execution.Manager
	engine   *Engine
	features *memFeatures
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gw := paper.New(nil)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("连接模拟网关失败: %v", err)
	}
	gw.SetQuote(testSymbol, 100)

	eval := feature.NewEvaluator(config.StrategyConfig{ATRMultiplier: 10, Oversold: -80, Overbought: -20})
	riskMgr := risk.NewManager(config.RiskConfig{
		RiskPerTradePct:     0.02,
		MaxLeverage:         4.0,
		MarginHeadroom:      0.95,
		AvailabilityRetries: 1,
		AvailabilityDelay:   time.Millisecond,
	}, gw, nil)
	exec := execution.NewManager(config.ExecutionConfig{
		MaxEntryAttempts:  3,
		ReduceFactor:      0.10,
		FillWait:          time.Millisecond,
		FillConfirmPolicy: config.FillConfirmEstimate,
	}, testSymbol, gw, riskMgr, position.NewBook(testSymbol), eval, nil, nil)

	features := &memFeatures{}
	return &fixture{
		gw:       gw,
		exec:     exec,
		engine:   NewEngine(testSymbol, gw, exec, features, eval, nil),
		features: features,
	}
}

func TestSyncFlatCancelsStrays(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedOrder(broker.Order{
		ID: "stale-stop", Symbol: testSymbol, Side: broker.SideSell,
		Type: broker.OrderTypeStop, Shares: 200, StopPrice: 90,
		Status: broker.StatusWorking, OwnerSession: "old",
	})

	report, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.BrokerShares != 0 || report.PositionAdopted {
		t.Fatalf("空仓对账结果不正确: %+v", report)
	}
	if report.StrayCancelled != 1 {
		t.Fatalf("残留委托应被撤销: %+v", report)
	}
	if f.exec.Book().HasPosition() || f.exec.Book().HasStop() {
		t.Fatal("空仓对账后账本应为空")
	}
	orders, _ := f.gw.GetOpenOrders(context.Background())
	if len(orders) != 0 {
		t.Fatalf("残留委托未撤销: %+v", orders)
	}
}

func TestSyncReclaimsForeignStop(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)
	f.gw.SeedOrder(broker.Order{
		ID: "old-stop", Symbol: testSymbol, Side: broker.SideSell,
		Type: broker.OrderTypeStop, Shares: 300, StopPrice: 94,
		Status: broker.StatusWorking, OwnerSession: "old",
	})

	report, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if !report.PositionAdopted || !report.StopReclaimed {
		t.Fatalf("应采纳持仓并收编止损: %+v", report)
	}

	book := f.exec.Book()
	pos := book.Position()
	if pos.Shares != 300 || pos.AvgCost != 98.5 {
		t.Fatalf("持仓未按券商侧采纳: %+v", pos)
	}
	stop := book.Stop()
	if stop.Price != 94 || stop.Shares != 300 {
		t.Fatalf("重挂止损参数不正确: %+v", stop)
	}
	if stop.OwnerSession != f.gw.SessionID() {
		t.Fatal("重挂止损应归属当前会话")
	}
	if stop.OrderID == "old-stop" {
		t.Fatal("应产生新的委托而非沿用旧委托")
	}
}

func TestSyncAdoptsOwnStopIdempotently(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)
	f.gw.SeedOrder(broker.Order{
		ID: "old-stop", Symbol: testSymbol, Side: broker.SideSell,
		Type: broker.OrderTypeStop, Shares: 300, StopPrice: 94,
		Status: broker.StatusWorking, OwnerSession: "old",
	})

	if _, err := f.engine.Sync(context.Background()); err != nil {
		t.Fatalf("首轮对账失败: %v", err)
	}
	firstStop := f.exec.Book().Stop()

	// 第二轮：止损已归属当前会话, 应直接采纳不再重挂。
	report, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("第二轮对账失败: %v", err)
	}
	if !report.StopAdopted || report.StopReclaimed {
		t.Fatalf("第二轮应直接采纳: %+v", report)
	}
	if f.exec.Book().Stop().OrderID != firstStop.OrderID {
		t.Fatal("幂等对账不应更换委托")
	}
}

func TestSyncPlacesEmergencyStop(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)
	f.features.record = store.FeatureRecord{
		Symbol: testSymbol, BarTime: time.Now(), Close: 100, ATR: 0.5,
		TrendReference: 95, Oscillator: -60,
	}
	f.features.ok = true

	report, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if !report.EmergencyPlaced {
		t.Fatalf("无保护持仓应补挂应急止损: %+v", report)
	}
	// 候选价 = 100 - 0.5*10 = 95。
	if report.EmergencyPrice != 95 {
		t.Fatalf("应急止损价 = %v, 期望 95", report.EmergencyPrice)
	}
	if !f.exec.Book().HasStop() {
		t.Fatal("账本应记录应急止损")
	}
}

func TestSyncRaisesAlertWithoutFeatures(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)

	report, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("对账不应因缺特征而报错: %v", err)
	}
	if !report.RiskAlert {
		t.Fatalf("无特征时应拉响风控告警: %+v", report)
	}
	if report.EmergencyPlaced || f.exec.Book().HasStop() {
		t.Fatal("无特征时不得盲目挂单")
	}
	if !f.exec.Book().HasPosition() {
		t.Fatal("持仓仍应被采纳")
	}
}
