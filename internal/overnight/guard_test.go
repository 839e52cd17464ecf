package overnight

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"atr-trader/internal/broker/paper"
	"atr-trader/internal/config"
	"atr-trader/internal/execution"
	"atr-trader/internal/feature"
	"atr-trader/internal/position"
	"atr-trader/internal/risk"
)

const testSymbol = "SPY"

type fixture struct {
	gw        *paper.Gateway
	exec      *execution.Manager
	guard     *Guard
	statePath string
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

	statePath := filepath.Join(t.TempDir(), "overnight_state.json")
	return &fixture{
		gw:        gw,
		exec:      exec,
		guard:     NewGuard(testSymbol, statePath, gw, exec, time.UTC, nil),
		statePath: statePath,
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if _, ok, err := Load(path); err != nil || ok {
		t.Fatalf("不存在的文件应返回 ok=false: ok=%v err=%v", ok, err)
	}

	want := State{Date: "2026-08-28", LastStopLoss: 94.5, Symbol: testSymbol}
	if err := Save(path, want); err != nil {
		t.Fatalf("保存状态失败: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("落盘后不应残留临时文件")
	}

	got, ok, err := Load(path)
	if err != nil || !ok {
		t.Fatalf("读取状态失败: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("状态不一致: %+v != %+v", got, want)
	}

	if err := Clear(path); err != nil {
		t.Fatalf("清除状态失败: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("重复清除应视为成功: %v", err)
	}
}

func openPosition(t *testing.T, f *fixture) {
	t.Helper()
	row := feature.Row{
		BarTime:        time.Now(),
		Close:          100,
		ATR:            0.5, // 止损候选 95
		TrendReference: 90,
		Oscillator:     -85,
	}
	if _, err := f.exec.OpenLongPosition(context.Background(), row); err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
}

func TestEndOfDayPersistsAndDetaches(t *testing.T) {
	f := newFixture(t)
	openPosition(t, f)

	result, err := f.guard.EndOfDay(context.Background())
	if err != nil {
		t.Fatalf("收盘封存失败: %v", err)
	}
	if !result.Persisted || result.StopPrice != 95 {
		t.Fatalf("封存结果不正确: %+v", result)
	}

	if !f.exec.Book().HasPosition() {
		t.Fatal("封存后持仓应保留")
	}
	if f.exec.Book().HasStop() {
		t.Fatal("封存后止损应已撤销")
	}
	orders, _ := f.gw.GetOpenOrders(context.Background())
	if len(orders) != 0 {
		t.Fatalf("券商侧不应残留委托: %+v", orders)
	}

	state, ok, err := Load(f.statePath)
	if err != nil || !ok {
		t.Fatalf("状态文件应存在: ok=%v err=%v", ok, err)
	}
	if state.LastStopLoss != 95 || state.Symbol != testSymbol {
		t.Fatalf("状态内容不正确: %+v", state)
	}
}

func TestEndOfDayFlatClearsState(t *testing.T) {
	f := newFixture(t)
	if err := Save(f.statePath, State{Date: "2026-08-27", LastStopLoss: 90, Symbol: testSymbol}); err != nil {
		t.Fatalf("预置状态失败: %v", err)
	}

	result, err := f.guard.EndOfDay(context.Background())
	if err != nil {
		t.Fatalf("收盘封存失败: %v", err)
	}
	if result.Persisted {
		t.Fatal("空仓不应落盘")
	}
	if _, ok, _ := Load(f.statePath); ok {
		t.Fatal("空仓收盘应清除遗留状态")
	}
}

func TestPreMarketGapClosesAll(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)
	f.exec.AdoptPosition(300, 98.5)
	if err := Save(f.statePath, State{Date: "2026-08-28", LastStopLoss: 95, Symbol: testSymbol}); err != nil {
		t.Fatalf("预置状态失败: %v", err)
	}
	f.gw.SetQuote(testSymbol, 90) // 跳空击穿95

	result, err := f.guard.PreMarket(context.Background())
	if err != nil {
		t.Fatalf("开盘前检查失败: %v", err)
	}
	if !result.GapDetected || result.StopRestored {
		t.Fatalf("应判定跳空: %+v", result)
	}

	positions, _ := f.gw.GetPositions(context.Background())
	if len(positions) != 0 {
		t.Fatalf("跳空后应清仓: %+v", positions)
	}
	if f.exec.Book().HasPosition() {
		t.Fatal("跳空清仓后账本应为空")
	}

	// 状态已消费, 第二次检查不得重复清仓。
	second, err := f.guard.PreMarket(context.Background())
	if err != nil {
		t.Fatalf("第二次检查失败: %v", err)
	}
	if second.Loaded {
		t.Fatal("状态应只消费一次")
	}
}

func TestPreMarketRestoresStop(t *testing.T) {
	f := newFixture(t)
	f.gw.SeedPosition(testSymbol, 300, 98.5)
	f.exec.AdoptPosition(300, 98.5)
	if err := Save(f.statePath, State{Date: "2026-08-28", LastStopLoss: 95, Symbol: testSymbol}); err != nil {
		t.Fatalf("预置状态失败: %v", err)
	}
	f.gw.SetQuote(testSymbol, 101) // 高开, 未击穿

	result, err := f.guard.PreMarket(context.Background())
	if err != nil {
		t.Fatalf("开盘前检查失败: %v", err)
	}
	if result.GapDetected || !result.StopRestored {
		t.Fatalf("应恢复止损: %+v", result)
	}

	stop := f.exec.Book().Stop()
	if stop.Price != 95 || stop.Shares != 300 {
		t.Fatalf("恢复止损参数不正确: %+v", stop)
	}
	if _, ok, _ := Load(f.statePath); ok {
		t.Fatal("状态应在消费后清除")
	}

	positions, _ := f.gw.GetPositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("持仓应保留: %+v", positions)
	}
}

func TestPreMarketVanishedPositionDiscardsState(t *testing.T) {
	f := newFixture(t)
	if err := Save(f.statePath, State{Date: "2026-08-28", LastStopLoss: 95, Symbol: testSymbol}); err != nil {
		t.Fatalf("预置状态失败: %v", err)
	}

	result, err := f.guard.PreMarket(context.Background())
	if err != nil {
		t.Fatalf("开盘前检查失败: %v", err)
	}
	if result.GapDetected || result.StopRestored {
		t.Fatalf("持仓消失时不应有动作: %+v", result)
	}
	if _, ok, _ := Load(f.statePath); ok {
		t.Fatal("失效状态应被丢弃")
	}
}
