package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
)

// minStopDistance 为止损距离下限，低于该值视为退化委托，不开仓。
const minStopDistance = 0.01

// Shares 计算目标股数：风险预算与杠杆上限二者取小。
// 止损距离过近时返回0。
func Shares(capital, entry, stop, riskPct, maxLeverage float64) int64 {
	if capital <= 0 || entry <= 0 {
		return 0
	}
	distance := math.Abs(entry - stop)
	if distance < minStopDistance {
		return 0
	}

	byRisk := int64(math.Floor(capital * riskPct / distance))
	byLeverage := int64(math.Floor(capital * maxLeverage / entry))
	if byLeverage < byRisk {
		return byLeverage
	}
	return byRisk
}

// Manager 维护资金预算缓存并执行下单前的保证金校验。
type Manager struct {
	cfg     config.RiskConfig
	gateway broker.Gateway
	logger  *zap.Logger

	capital   float64
	updatedAt time.Time
}

// NewManager 构造风控管理器。
func NewManager(cfg config.RiskConfig, gateway broker.Gateway, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, gateway: gateway, logger: logger}
}

// Refresh 从券商刷新账户净值。刷新失败视为致命错误，
// 调用方不得在过期预算上继续交易。
func (m *Manager) Refresh(ctx context.Context) error {
	capital, err := m.gateway.GetAccountValue(ctx, broker.TagNetLiquidation)
	if err != nil {
		return fmt.Errorf("risk: 刷新账户净值失败: %w", err)
	}
	if capital <= 0 {
		return fmt.Errorf("risk: 账户净值非正: %.2f", capital)
	}

	m.capital = capital
	m.updatedAt = time.Now()
	m.logger.Info("账户净值已刷新", zap.Float64("capital", capital))
	return nil
}

// Capital 返回缓存的账户净值。
func (m *Manager) Capital() float64 {
	return m.capital
}

// RiskPerTrade 返回当前单笔风险比例。
func (m *Manager) RiskPerTrade() float64 {
	return m.cfg.RiskPerTradePct
}

// SetRiskPerTrade 运行期调整单笔风险比例。
func (m *Manager) SetRiskPerTrade(pct float64) error {
	if pct <= 0 || pct > 1 {
		return fmt.Errorf("risk: 风险比例必须位于(0,1]: %v", pct)
	}
	m.logger.Info("单笔风险比例已调整",
		zap.Float64("old", m.cfg.RiskPerTradePct),
		zap.Float64("new", pct),
	)
	m.cfg.RiskPerTradePct = pct
	return nil
}

// Size 按当前预算计算目标股数。
func (m *Manager) Size(entry, stop float64) int64 {
	return Shares(m.capital, entry, stop, m.cfg.RiskPerTradePct, m.cfg.MaxLeverage)
}

// ValidateOrderSize 以 what-if 保证金校验目标股数，必要时缩减。
// 可用资金读取失败时退回缓存净值，保证金占用超出余量时
// 按可用比例缩股并再减一股。缩减后不足一股返回 ErrInsufficientMargin。
func (m *Manager) ValidateOrderSize(ctx context.Context, symbol string, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("risk: 校验股数非正: %d", shares)
	}

	available := m.availableFunds(ctx)

	required, err := m.gateway.SimulateMargin(ctx, broker.OrderRequest{
		Symbol: symbol,
		Side:   broker.SideBuy,
		Type:   broker.OrderTypeMarket,
		Shares: shares,
	})
	if err != nil {
		return 0, fmt.Errorf("risk: 保证金试算失败: %w", err)
	}
	if required <= 0 {
		return shares, nil
	}

	limit := available * m.cfg.MarginHeadroom
	if required <= limit {
		return shares, nil
	}

	ratio := limit / required
	adjusted := int64(math.Floor(float64(shares)*ratio)) - 1
	m.logger.Warn("保证金不足，缩减委托股数",
		zap.Int64("requested", shares),
		zap.Int64("adjusted", adjusted),
		zap.Float64("required", required),
		zap.Float64("available", available),
	)
	if adjusted <= 0 {
		return 0, broker.ErrInsufficientMargin
	}
	return adjusted, nil
}

// availableFunds 带重试读取可用资金，全部失败时退回缓存净值。
func (m *Manager) availableFunds(ctx context.Context) float64 {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.AvailabilityRetries; attempt++ {
		available, err := m.gateway.GetAccountValue(ctx, broker.TagAvailableFunds)
		if err == nil && available > 0 {
			return available
		}
		lastErr = err

		timer := time.NewTimer(m.cfg.AvailabilityDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Warn("可用资金读取被取消，退回缓存净值", zap.Error(ctx.Err()))
			return m.capital
		case <-timer.C:
		}
	}

	m.logger.Warn("可用资金读取失败，退回缓存净值",
		zap.Int("attempts", m.cfg.AvailabilityRetries),
		zap.Float64("capital", m.capital),
		zap.Error(lastErr),
	)
	return m.capital
}
