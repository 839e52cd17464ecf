package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Overnight OvernightConfig `mapstructure:"overnight"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商网关连接信息。
type BrokerConfig struct {
	Name        string        `mapstructure:"name"` // alpaca | paper
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	BaseURL     string        `mapstructure:"base_url"`
	DataBaseURL string        `mapstructure:"data_base_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 描述交易标的与交易日程。
type TradingConfig struct {
	Symbol       string        `mapstructure:"symbol"`
	Timezone     string        `mapstructure:"timezone"`
	PreMarketAt  string        `mapstructure:"pre_market_at"` // "09:30"
	EndOfDayAt   string        `mapstructure:"end_of_day_at"` // "15:45"
	SessionStart string        `mapstructure:"session_start"` // "09:35"
	SessionEnd   string        `mapstructure:"session_end"`   // "15:55"
	BarInterval  time.Duration `mapstructure:"bar_interval"`
}

// RiskConfig 管理仓位与保证金风控参数。
type RiskConfig struct {
	RiskPerTradePct     float64       `mapstructure:"risk_per_trade_pct"`
	MaxLeverage         float64       `mapstructure:"max_leverage"`
	MarginHeadroom      float64       `mapstructure:"margin_headroom"`
	AvailabilityRetries int           `mapstructure:"availability_retries"`
	AvailabilityDelay   time.Duration `mapstructure:"availability_delay"`
}

// StrategyConfig 控制信号判定与特征计算。
type StrategyConfig struct {
	ATRMultiplier    float64       `mapstructure:"atr_multiplier"`
	Oversold         float64       `mapstructure:"oversold"`
	Overbought       float64       `mapstructure:"overbought"`
	ATRPeriod        int           `mapstructure:"atr_period"`
	TrendPeriod      int           `mapstructure:"trend_period"`
	OscillatorPeriod int           `mapstructure:"oscillator_period"`
	MaxStaleness     time.Duration `mapstructure:"max_staleness"`
}

// 入场成交确认策略。
const (
	FillConfirmEstimate = "estimate"
	FillConfirmPoll     = "poll"
)

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	MaxEntryAttempts  int           `mapstructure:"max_entry_attempts"`
	ReduceFactor      float64       `mapstructure:"reduce_factor"`
	FillWait          time.Duration `mapstructure:"fill_wait"`
	FillConfirmPolicy string        `mapstructure:"fill_confirm_policy"`
}

// OvernightConfig 控制隔夜状态文件。
type OvernightConfig struct {
	StatePath string `mapstructure:"state_path"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口与事件广播。
type MonitorConfig struct {
	Port          int `mapstructure:"port"`
	EventBuffer   int `mapstructure:"event_buffer"`
	CommandBuffer int `mapstructure:"command_buffer"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	name := strings.ToLower(strings.TrimSpace(c.Broker.Name))
	if name != "alpaca" && name != "paper" {
		err = multierr.Append(err, errors.New("broker.name 必须为 alpaca 或 paper"))
	}
	if name == "alpaca" && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		err = multierr.Append(err, errors.New("alpaca 网关需要配置 api_key 与 api_secret"))
	}
	if c.Broker.CallTimeout <= 0 || c.Broker.CallTimeout > 10*time.Second {
		err = multierr.Append(err, errors.New("broker.call_timeout 必须位于(0,10s]"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}

	if c.Trading.Symbol == "" {
		err = multierr.Append(err, errors.New("trading.symbol 不能为空"))
	}
	if c.Trading.Timezone == "" {
		err = multierr.Append(err, errors.New("trading.timezone 不能为空"))
	}
	for key, value := range map[string]string{
		"trading.pre_market_at": c.Trading.PreMarketAt,
		"trading.end_of_day_at": c.Trading.EndOfDayAt,
		"trading.session_start": c.Trading.SessionStart,
		"trading.session_end":   c.Trading.SessionEnd,
	} {
		if _, parseErr := time.Parse("15:04", value); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s 必须为 HH:MM 格式: %w", key, parseErr))
		}
	}
	if c.Trading.BarInterval <= 0 {
		err = multierr.Append(err, errors.New("trading.bar_interval 必须大于0"))
	}

	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 1 {
		err = multierr.Append(err, errors.New("risk.risk_per_trade_pct 必须位于(0,1]"))
	}
	if c.Risk.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于0"))
	}
	if c.Risk.MarginHeadroom <= 0 || c.Risk.MarginHeadroom > 1 {
		err = multierr.Append(err, errors.New("risk.margin_headroom 必须位于(0,1]"))
	}
	if c.Risk.AvailabilityRetries <= 0 {
		err = multierr.Append(err, errors.New("risk.availability_retries 必须大于0"))
	}
	if c.Risk.AvailabilityDelay <= 0 {
		err = multierr.Append(err, errors.New("risk.availability_delay 必须大于0"))
	}

	if c.Strategy.ATRMultiplier <= 0 {
		err = multierr.Append(err, errors.New("strategy.atr_multiplier 必须大于0"))
	}
	if c.Strategy.Oversold >= c.Strategy.Overbought {
		err = multierr.Append(err, errors.New("strategy.oversold 必须小于 overbought"))
	}
	if c.Strategy.ATRPeriod <= 0 || c.Strategy.TrendPeriod <= 0 || c.Strategy.OscillatorPeriod <= 0 {
		err = multierr.Append(err, errors.New("strategy 指标周期必须大于0"))
	}
	if c.Strategy.MaxStaleness <= 0 {
		err = multierr.Append(err, errors.New("strategy.max_staleness 必须大于0"))
	}

	if c.Execution.MaxEntryAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.max_entry_attempts 必须大于0"))
	}
	if c.Execution.ReduceFactor <= 0 || c.Execution.ReduceFactor >= 1 {
		err = multierr.Append(err, errors.New("execution.reduce_factor 必须位于(0,1)"))
	}
	if c.Execution.FillWait <= 0 {
		err = multierr.Append(err, errors.New("execution.fill_wait 必须大于0"))
	}
	switch c.Execution.FillConfirmPolicy {
	case FillConfirmEstimate, FillConfirmPoll:
	default:
		err = multierr.Append(err, errors.New("execution.fill_confirm_policy 必须为 estimate 或 poll"))
	}

	if c.Overnight.StatePath == "" {
		err = multierr.Append(err, errors.New("overnight.state_path 不能为空"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Port <= 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须为合法端口"))
	}
	if c.Monitor.EventBuffer <= 0 {
		err = multierr.Append(err, errors.New("monitor.event_buffer 必须大于0"))
	}
	if c.Monitor.CommandBuffer <= 0 {
		err = multierr.Append(err, errors.New("monitor.command_buffer 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
