// Package config loads server settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradebots/internal/types"
)

// Config holds the application configuration
type Config struct {
	Server struct {
		Port      int    `yaml:"port"`
		JWTSecret string `yaml:"jwt_secret"`
		RateLimit int    `yaml:"rate_limit"` // requests per second per IP
	} `yaml:"server"`

	Logging struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
	} `yaml:"logging"`

	Storage struct {
		SQLitePath   string `yaml:"sqlite_path"`
		PostgresMode bool   `yaml:"-"` // enabled by POSTGRES_HOST
	} `yaml:"storage"`

	Exchange struct {
		MockMode bool               `yaml:"mock_mode"`
		Market   types.ExchangeType `yaml:"market"` // exchange that feeds candles
		Testnet  bool               `yaml:"testnet"`
	} `yaml:"exchange"`

	Engine struct {
		ConfirmAttempts   int  `yaml:"confirm_attempts"`
		ConfirmIntervalMs int  `yaml:"confirm_interval_ms"`
		StrictConfirm     bool `yaml:"strict_confirm"`
		MaxReconnects     int  `yaml:"max_reconnects"`
	} `yaml:"engine"`
}

// ConfirmInterval is the delay between flat-confirmation polls
func (c *Config) ConfirmInterval() time.Duration {
	return time.Duration(c.Engine.ConfirmIntervalMs) * time.Millisecond
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 9090
	cfg.Server.RateLimit = 20
	cfg.Logging.Level = "info"
	cfg.Logging.Encoding = "json"
	cfg.Storage.SQLitePath = "./data/tradebots.db"
	cfg.Exchange.MockMode = true // Default to mock mode for safety
	cfg.Exchange.Market = types.ExchangeBinance
	cfg.Engine.ConfirmAttempts = 15
	cfg.Engine.ConfirmIntervalMs = 200
	cfg.Engine.MaxReconnects = 10
	return cfg
}

// Load reads .env, then the YAML file at path (if it exists), then
// environment overrides.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if p, ok := envInt("PORT"); ok {
		c.Server.Port = p
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		c.Server.JWTSecret = s
	}
	if r, ok := envInt("RATE_LIMIT"); ok {
		c.Server.RateLimit = r
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		c.Logging.Level = l
	}
	if e := os.Getenv("LOG_ENCODING"); e != "" {
		c.Logging.Encoding = e
	}
	if m, ok := envBool("MOCK_MODE"); ok {
		c.Exchange.MockMode = m
	}
	if m := os.Getenv("MARKET_EXCHANGE"); m != "" {
		c.Exchange.Market = types.ExchangeType(strings.ToLower(m))
	}
	if t, ok := envBool("BINANCE_TESTNET"); ok {
		c.Exchange.Testnet = t
	}

	// PostgreSQL mode is enabled if POSTGRES_HOST is set
	c.Storage.PostgresMode = os.Getenv("POSTGRES_HOST") != ""
	if p := os.Getenv("SQLITE_PATH"); p != "" {
		c.Storage.SQLitePath = p
	}

	if n, ok := envInt("CONFIRM_ATTEMPTS"); ok {
		c.Engine.ConfirmAttempts = n
	}
	if n, ok := envInt("CONFIRM_INTERVAL_MS"); ok {
		c.Engine.ConfirmIntervalMs = n
	}
	if s, ok := envBool("STRICT_CONFIRM"); ok {
		c.Engine.StrictConfirm = s
	}
	if n, ok := envInt("MAX_RECONNECTS"); ok {
		c.Engine.MaxReconnects = n
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if !c.Exchange.Market.Valid() {
		return fmt.Errorf("unknown market exchange %q", c.Exchange.Market)
	}
	if c.Engine.ConfirmAttempts < 1 {
		return fmt.Errorf("confirm_attempts must be at least 1")
	}
	if c.Engine.ConfirmIntervalMs < 0 {
		return fmt.Errorf("confirm_interval_ms must not be negative")
	}
	if c.Engine.MaxReconnects < 1 {
		return fmt.Errorf("max_reconnects must be at least 1")
	}
	if c.Server.JWTSecret == "" && !c.Exchange.MockMode {
		return fmt.Errorf("JWT_SECRET is required outside mock mode")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1" || v == "yes", true
}
