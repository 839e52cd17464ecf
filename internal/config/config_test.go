package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Fatalf("environment = %q", cfg.App.Environment)
	}
	if cfg.Broker.Name != "paper" {
		t.Fatalf("默认券商 = %q, 期望 paper", cfg.Broker.Name)
	}
	if cfg.Risk.RiskPerTradePct != 0.02 {
		t.Fatalf("默认单笔风险 = %v", cfg.Risk.RiskPerTradePct)
	}
	if cfg.Risk.AvailabilityRetries != 15 || cfg.Risk.AvailabilityDelay != 200*time.Millisecond {
		t.Fatalf("可用资金重试默认值不正确: %+v", cfg.Risk)
	}
	if cfg.Strategy.ATRMultiplier != 10.0 || cfg.Strategy.TrendPeriod != 200 {
		t.Fatalf("策略默认值不正确: %+v", cfg.Strategy)
	}
	if cfg.Trading.BarInterval != 5*time.Minute {
		t.Fatalf("bar_interval = %v", cfg.Trading.BarInterval)
	}
	if cfg.Execution.FillConfirmPolicy != FillConfirmEstimate {
		t.Fatalf("fill_confirm_policy = %q", cfg.Execution.FillConfirmPolicy)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbol: SPY
  bar_interval: 1m
risk:
  risk_per_trade_pct: 0.01
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Trading.Symbol != "SPY" {
		t.Fatalf("symbol = %q", cfg.Trading.Symbol)
	}
	if cfg.Trading.BarInterval != time.Minute {
		t.Fatalf("bar_interval = %v", cfg.Trading.BarInterval)
	}
	if cfg.Risk.RiskPerTradePct != 0.01 {
		t.Fatalf("risk_per_trade_pct = %v", cfg.Risk.RiskPerTradePct)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"未知券商", func(c *Config) { c.Broker.Name = "ibkr" }},
		{"alpaca缺少密钥", func(c *Config) { c.Broker.Name = "alpaca"; c.Broker.APIKey = "" }},
		{"超时超出上限", func(c *Config) { c.Broker.CallTimeout = 30 * time.Second }},
		{"日程时刻格式错误", func(c *Config) { c.Trading.PreMarketAt = "9:30am" }},
		{"风险比例越界", func(c *Config) { c.Risk.RiskPerTradePct = 1.5 }},
		{"保证金余量越界", func(c *Config) { c.Risk.MarginHeadroom = 0 }},
		{"超卖阈值不低于超买", func(c *Config) { c.Strategy.Oversold = -10 }},
		{"缩股系数越界", func(c *Config) { c.Execution.ReduceFactor = 1 }},
		{"未知成交确认策略", func(c *Config) { c.Execution.FillConfirmPolicy = "guess" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "app:\n  environment: test\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("加载基础配置失败: %v", err)
			}
			tc.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("非法配置应校验失败")
			}
		})
	}
}
