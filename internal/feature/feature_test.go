package feature

import (
	"testing"
	"time"

	"atr-trader/internal/config"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		ATRMultiplier:    10,
		Oversold:         -80,
		Overbought:       -20,
		ATRPeriod:        14,
		TrendPeriod:      200,
		OscillatorPeriod: 10,
		MaxStaleness:     10 * time.Minute,
	}
}

func validRow() Row {
	return Row{
		BarTime:        time.Now(),
		Close:          105,
		ATR:            0.8,
		TrendReference: 100,
		Oscillator:     -85,
	}
}

func TestEntrySignal(t *testing.T) {
	eval := NewEvaluator(testStrategyConfig())

	cases := []struct {
		name   string
		modify func(*Row)
		want   bool
	}{
		{"满足全部条件", func(r *Row) {}, true},
		{"振荡值未超卖", func(r *Row) { r.Oscillator = -50 }, false},
		{"振荡值恰在阈值", func(r *Row) { r.Oscillator = -80 }, false},
		{"收盘价低于趋势基准", func(r *Row) { r.Close = 95 }, false},
		{"收盘价等于趋势基准", func(r *Row) { r.Close = 100 }, false},
		{"ATR为零", func(r *Row) { r.ATR = 0 }, false},
		{"ATR为负", func(r *Row) { r.ATR = -1 }, false},
		{"趋势基准缺失", func(r *Row) { r.TrendReference = 0 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := validRow()
			tc.modify(&row)
			if got := eval.EntrySignal(row); got != tc.want {
				t.Fatalf("EntrySignal() = %v, 期望 %v", got, tc.want)
			}
		})
	}
}

func TestExitSignal(t *testing.T) {
	eval := NewEvaluator(testStrategyConfig())

	cases := []struct {
		name   string
		modify func(*Row)
		want   bool
	}{
		{"超买且跌破趋势", func(r *Row) { r.Oscillator = -10; r.Close = 95 }, true},
		{"超买但仍在趋势上方", func(r *Row) { r.Oscillator = -10; r.Close = 105 }, false},
		{"跌破趋势但未超买", func(r *Row) { r.Oscillator = -50; r.Close = 95 }, false},
		{"振荡值恰在阈值", func(r *Row) { r.Oscillator = -20; r.Close = 95 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := validRow()
			tc.modify(&row)
			if got := eval.ExitSignal(row); got != tc.want {
				t.Fatalf("ExitSignal() = %v, 期望 %v", got, tc.want)
			}
		})
	}
}

func TestStopCandidate(t *testing.T) {
	eval := NewEvaluator(testStrategyConfig())
	row := validRow() // close=105 atr=0.8 multiplier=10
	want := 105 - 0.8*10
	if got := eval.StopCandidate(row); got != want {
		t.Fatalf("StopCandidate() = %v, 期望 %v", got, want)
	}
}

func TestStale(t *testing.T) {
	now := time.Now()
	row := Row{BarTime: now.Add(-15 * time.Minute), ATR: 1, TrendReference: 1}
	if !row.Stale(now, 10*time.Minute) {
		t.Fatal("15分钟前的特征应判定为过期")
	}
	if row.Stale(now, 20*time.Minute) {
		t.Fatal("未超过窗口的特征不应判定为过期")
	}
}
