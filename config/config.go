package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"jkble/bluetooth"
	"jkble/jkbms"
)

// EnvPrefix prefixes every environment override, e.g. JKBLE_ADDRESS.
const EnvPrefix = "JKBLE_"

type Config struct {
	Adapter       string        `toml:"adapter" env:"ADAPTER"`
	Address       string        `toml:"address" env:"ADDRESS"`
	MaxAttempts   int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	WaitTimeout   time.Duration `toml:"wait_timeout" env:"WAIT_TIMEOUT"`
	RecordsToGrab int           `toml:"records_to_grab" env:"RECORDS_TO_GRAB"`
	LogLevel      string        `toml:"log_level" env:"LOG_LEVEL"`
	Server        ServerConfig  `toml:"server" envPrefix:"SERVER_"`
	Store         StoreConfig   `toml:"store" envPrefix:"STORE_"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"ADDR"`
}

type StoreConfig struct {
	Path string `toml:"path" env:"PATH"`
}

// Load reads the TOML file at path (skipped when path is empty), applies
// JKBLE_* environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config env failed: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Adapter == "" {
		c.Adapter = "hci0"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = jkbms.MaxConnectionAttempts
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = jkbms.DefaultWaitTimeout
	}
	if c.RecordsToGrab == 0 {
		c.RecordsToGrab = jkbms.DefaultRecordsToGrab
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9330"
	}
	if c.Store.Path == "" {
		c.Store.Path = "jkble.db"
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("config missing address")
	}
	if _, err := bluetooth.ParseMAC(cfg.Address); err != nil {
		return fmt.Errorf("config address %q: %w", cfg.Address, err)
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("config max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.WaitTimeout <= 0 {
		return fmt.Errorf("config wait_timeout must be positive, got %s", cfg.WaitTimeout)
	}
	if cfg.RecordsToGrab < 1 {
		return fmt.Errorf("config records_to_grab must be at least 1, got %d", cfg.RecordsToGrab)
	}
	return nil
}
