package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for curvemintd.
type Config struct {
	Listen      string         `yaml:"listen"`
	Environment string         `yaml:"env"`
	Database    DatabaseConfig `yaml:"database"`
	Trade       TradeConfig    `yaml:"trade"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TradeConfig tunes the execution engine.
type TradeConfig struct {
	// DefaultSlippagePercent applies when a caller omits a tolerance.
	DefaultSlippagePercent string   `yaml:"default_slippage_percent"`
	ShutdownGrace          Duration `yaml:"shutdown_grace"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Listen: ":8463",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "curvemint.db",
		},
		Trade: TradeConfig{
			DefaultSlippagePercent: "1",
			ShutdownGrace:          Duration{10 * time.Second},
		},
	}
}

// Load reads and validates the YAML configuration at path. Missing keys fall
// back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn required")
	}
	if _, err := c.SlippageTolerance(); err != nil {
		return err
	}
	return nil
}

// SlippageTolerance parses the default tolerance as a decimal percentage.
func (c Config) SlippageTolerance() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Trade.DefaultSlippagePercent)
	if raw == "" {
		return decimal.New(1, 0), nil
	}
	tolerance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: parse default slippage %q: %w", raw, err)
	}
	if tolerance.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: default slippage must not be negative, got %s", tolerance)
	}
	return tolerance, nil
}
