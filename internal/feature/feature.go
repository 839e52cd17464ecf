package feature

import (
	"time"

	"atr-trader/internal/config"
)

// Row 表示一根已收盘K线计算出的特征快照。
type Row struct {
	BarTime        time.Time
	Close          float64
	ATR            float64 // 真实波幅均值
	TrendReference float64 // 长周期均线
	Oscillator     float64 // 超买超卖振荡值
}

// Valid 判断特征是否可用于决策：ATR 必须为正，趋势基准已就绪。
func (r Row) Valid() bool {
	return r.ATR > 0 && r.TrendReference > 0 && !r.BarTime.IsZero()
}

// Stale 判断特征数据是否过期。
func (r Row) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.BarTime) > maxAge
}

// Evaluator 根据策略阈值判定入场与离场信号。
type Evaluator struct {
	cfg config.StrategyConfig
}

// NewEvaluator 构造信号判定器。
func NewEvaluator(cfg config.StrategyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// EntrySignal 判定是否满足入场条件：
// 振荡值进入超卖区、收盘价站上趋势基准、波幅有效。
func (e *Evaluator) EntrySignal(row Row) bool {
	if !row.Valid() {
		return false
	}
	return row.Oscillator < e.cfg.Oversold && row.Close > row.TrendReference
}

// ExitSignal 判定是否满足离场条件：
// 振荡值进入超买区且收盘价跌破趋势基准。
func (e *Evaluator) ExitSignal(row Row) bool {
	if row.BarTime.IsZero() {
		return false
	}
	return row.Oscillator > e.cfg.Overbought && row.Close < row.TrendReference
}

// StopCandidate 计算跟踪止损候选价：收盘价减去ATR的倍数。
func (e *Evaluator) StopCandidate(row Row) float64 {
	return row.Close - row.ATR*e.cfg.ATRMultiplier
}
