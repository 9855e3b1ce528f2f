// Package types provides configuration types for the advisor backend.
package types

import (
	"time"
)

// AppConfig is the top-level configuration loaded at startup
type AppConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	LogLevel   string           `mapstructure:"log_level"`
}

// ServerConfig represents the operator status server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// DatabaseConfig represents the PostgreSQL connection configuration.
// An empty DSN selects the in-memory repositories.
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig represents the Redis cache configuration. An empty address
// selects the in-process TTL cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MarketDataConfig represents the market data source configuration
type MarketDataConfig struct {
	RestURL      string   `mapstructure:"rest_url"`
	WebsocketURL string   `mapstructure:"websocket_url"`
	Symbols      []string `mapstructure:"symbols"`
	BufferSize   int      `mapstructure:"buffer_size"`
}

// SchedulerConfig controls the periodic engine ticks
type SchedulerConfig struct {
	RegimeRefreshInterval time.Duration `mapstructure:"regime_refresh_interval"`
	RiskCheckInterval     time.Duration `mapstructure:"risk_check_interval"`
}
