package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.call_timeout", "10s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("trading.symbol", "QQQ")
	v.SetDefault("trading.timezone", "America/New_York")
	v.SetDefault("trading.pre_market_at", "09:30")
	v.SetDefault("trading.end_of_day_at", "15:45")
	v.SetDefault("trading.session_start", "09:35")
	v.SetDefault("trading.session_end", "15:55")
	v.SetDefault("trading.bar_interval", "5m")

	v.SetDefault("risk.risk_per_trade_pct", 0.02)
	v.SetDefault("risk.max_leverage", 4.0)
	v.SetDefault("risk.margin_headroom", 0.95)
	v.SetDefault("risk.availability_retries", 15)
	v.SetDefault("risk.availability_delay", "200ms")

	v.SetDefault("strategy.atr_multiplier", 10.0)
	v.SetDefault("strategy.oversold", -80.0)
	v.SetDefault("strategy.overbought", -20.0)
	v.SetDefault("strategy.atr_period", 14)
	v.SetDefault("strategy.trend_period", 200)
	v.SetDefault("strategy.oscillator_period", 10)
	v.SetDefault("strategy.max_staleness", "10m")

	v.SetDefault("execution.max_entry_attempts", 3)
	v.SetDefault("execution.reduce_factor", 0.10)
	v.SetDefault("execution.fill_wait", "5s")
	v.SetDefault("execution.fill_confirm_policy", FillConfirmEstimate)

	v.SetDefault("overnight.state_path", "data/overnight_state.json")

	v.SetDefault("database.path", "data/trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 8077)
	v.SetDefault("monitor.event_buffer", 64)
	v.SetDefault("monitor.command_buffer", 16)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
