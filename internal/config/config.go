// Package config defines all configuration for the trading pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperTrading bool           `mapstructure:"paper_trading"`
	Broker       BrokerConfig   `mapstructure:"broker"`
	Strategy     StrategyConfig `mapstructure:"strategy"`
	Risk         RiskConfig     `mapstructure:"risk"`
	Audit        AuditConfig    `mapstructure:"audit"`
	Advisor      AdvisorConfig  `mapstructure:"advisor"`
	API          APIConfig      `mapstructure:"api"`
	Logging      LoggingConfig  `mapstructure:"logging"`
}

// BrokerConfig holds the Alpaca endpoints and credentials.
// Keys come from ALPACA_API_KEY / ALPACA_SECRET_KEY; the YAML values
// exist only for local development.
type BrokerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	DataWSURL string `mapstructure:"data_ws_url"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// StrategyConfig tunes the moving-average crossover strategy.
//
//   - Symbols: symbols the pipeline subscribes to and strategies watch.
//   - ShortPeriod / LongPeriod: MA window lengths in ticks.
//   - SignalCooldown: minimum gap between signals for the same symbol.
type StrategyConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	ShortPeriod    int           `mapstructure:"short_period"`
	LongPeriod     int           `mapstructure:"long_period"`
	SignalCooldown time.Duration `mapstructure:"signal_cooldown"`
}

// RiskConfig sets the hard limits enforced by the risk rule pipeline.
//
//   - MaxPositionPct: max position value as a fraction of account equity.
//   - MaxPositionsPerSymbol: cap on open positions per symbol.
//   - MinConfidence: signals below this confidence are rejected.
//   - DuplicateWindow: window within which a same-symbol same-side signal
//     counts as a duplicate.
type RiskConfig struct {
	MaxPositionPct        float64       `mapstructure:"max_position_pct"`
	MaxPositionsPerSymbol int           `mapstructure:"max_positions_per_symbol"`
	MinConfidence         float64       `mapstructure:"min_confidence"`
	DuplicateWindow       time.Duration `mapstructure:"duplicate_window"`
}

// AuditConfig controls the buffered audit logger and its Postgres sink.
// DatabaseURL comes from DATABASE_URL; when empty the pipeline runs with
// an in-memory sink and nothing is persisted.
type AuditConfig struct {
	DatabaseURL   string        `mapstructure:"database_url"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AdvisorConfig controls the AI advisory service. With no API key the
// service runs in stub mode: analysis endpoints return a disabled notice
// and no ideas are generated.
type AdvisorConfig struct {
	OpenAIKey string `mapstructure:"openai_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
}

// APIConfig controls the HTTP control surface.
// AuthToken comes from TRADING_API_KEY.
type APIConfig struct {
	Port      int    `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ALPACA_API_KEY, ALPACA_SECRET_KEY,
// TRADING_API_KEY, DATABASE_URL, OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ALPACA_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("ALPACA_SECRET_KEY"); secret != "" {
		cfg.Broker.SecretKey = secret
	}
	if token := os.Getenv("TRADING_API_KEY"); token != "" {
		cfg.API.AuthToken = token
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Audit.DatabaseURL = url
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Advisor.OpenAIKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set ALPACA_API_KEY)")
	}
	if c.Broker.SecretKey == "" {
		return fmt.Errorf("broker.secret_key is required (set ALPACA_SECRET_KEY)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.API.AuthToken == "" {
		return fmt.Errorf("api.auth_token is required (set TRADING_API_KEY)")
	}
	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must list at least one symbol")
	}
	if c.Strategy.ShortPeriod <= 0 || c.Strategy.LongPeriod <= 0 {
		return fmt.Errorf("strategy periods must be > 0")
	}
	if c.Strategy.ShortPeriod >= c.Strategy.LongPeriod {
		return fmt.Errorf("strategy.short_period must be < strategy.long_period")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("risk.max_positions_per_symbol must be > 0")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0, 1]")
	}
	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be > 0")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
