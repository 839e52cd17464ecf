package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
	"atr-trader/internal/feature"
)

// Calculator 依据策略配置从K线序列计算决策特征。
type Calculator struct {
	cfg config.StrategyConfig
}

// NewCalculator 创建 Calculator。
func NewCalculator(cfg config.StrategyConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// MinBars 返回计算全部特征所需的最小K线数量。
func (c *Calculator) MinBars() int {
	min := c.cfg.TrendPeriod
	if c.cfg.ATRPeriod+1 > min {
		min = c.cfg.ATRPeriod + 1
	}
	if c.cfg.OscillatorPeriod > min {
		min = c.cfg.OscillatorPeriod
	}
	return min
}

// Compute 对给定K线计算最新一根的特征快照。
func (c *Calculator) Compute(candles []broker.Candle) (feature.Row, error) {
	series := NewSeries(candles)
	if series.Len() < c.MinBars() {
		return feature.Row{}, fmt.Errorf("indicator: K线数量不足, 需要%d根, 实际%d根", c.MinBars(), series.Len())
	}

	atr := talib.Atr(series.High, series.Low, series.Close, c.cfg.ATRPeriod)
	trend := talib.Sma(series.Close, c.cfg.TrendPeriod)
	oscillator := talib.WillR(series.High, series.Low, series.Close, c.cfg.OscillatorPeriod)

	last := series.Len() - 1
	row := feature.Row{
		BarTime:        series.Timestamps[last],
		Close:          series.Close[last],
		ATR:            lastValid(atr),
		TrendReference: lastValid(trend),
		Oscillator:     lastValid(oscillator),
	}
	if !row.Valid() {
		return feature.Row{}, fmt.Errorf("indicator: 特征计算结果无效 (atr=%.4f trend=%.4f)", row.ATR, row.TrendReference)
	}
	return row, nil
}

// lastValid 返回序列末尾最后一个非NaN值；全为NaN时返回0。
func lastValid(values []float64) float64 {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i]
		}
	}
	return 0
}
