// Package config loads the application configuration from file and
// environment. Settings resolve in order: defaults, config file,
// ADVISOR_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Load reads configuration from the given file path. An empty path skips
// the file and uses defaults plus environment variables only.
func Load(path string) (*types.AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.query_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("market_data.rest_url", "https://api.binance.com")
	v.SetDefault("market_data.websocket_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("market_data.symbols", []string{"BTCUSDT"})
	v.SetDefault("market_data.buffer_size", 100)

	v.SetDefault("scheduler.regime_refresh_interval", time.Hour)
	v.SetDefault("scheduler.risk_check_interval", 15*time.Minute)
}

func validate(cfg *types.AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Scheduler.RegimeRefreshInterval <= 0 {
		return fmt.Errorf("regime refresh interval must be positive")
	}
	if cfg.Scheduler.RiskCheckInterval <= 0 {
		return fmt.Errorf("risk check interval must be positive")
	}
	if len(cfg.MarketData.Symbols) == 0 {
		return fmt.Errorf("at least one market data symbol is required")
	}
	return nil
}
