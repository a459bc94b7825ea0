// Package config loads service configuration from the environment, with an
// optional .env-style file merged in first.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full startup configuration. Broker credentials are required;
// everything else has a default.
type Config struct {
	// Broker endpoint and credentials.
	BrokerHost   string `env:"BROKER_HOST"`
	BrokerPort   int    `env:"BROKER_PORT" envDefault:"5035"`
	ClientID     string `env:"CTRADER_CLIENT_ID"`
	ClientSecret string `env:"CTRADER_CLIENT_SECRET"`
	AccessToken  string `env:"CTRADER_ACCESS_TOKEN"`
	AccountID    int64  `env:"CTRADER_ACCOUNT_ID"`

	// Client-facing listener. Serves /ws plus /metrics and /health.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Optional Redis relay. Empty disables it.
	RedisURL string `env:"REDIS_URL"`

	// Aggregation tunables.
	ADRWindow  int    `env:"ADR_WINDOW" envDefault:"5"`
	ClassifyBy string `env:"PROFILE_CLASSIFY_BY" envDefault:"mid"`
}

// Load reads the optional env file at path, then parses the environment.
// A non-empty path that cannot be read is a configuration error; with an
// empty path a ./.env file is picked up when present.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or invalid setting in one error.
func (c Config) Validate() error {
	var problems []string
	if c.BrokerHost == "" {
		problems = append(problems, "BROKER_HOST is required")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		problems = append(problems, fmt.Sprintf("BROKER_PORT %d is out of range", c.BrokerPort))
	}
	if c.ClientID == "" {
		problems = append(problems, "CTRADER_CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		problems = append(problems, "CTRADER_CLIENT_SECRET is required")
	}
	if c.AccessToken == "" {
		problems = append(problems, "CTRADER_ACCESS_TOKEN is required")
	}
	if c.AccountID == 0 {
		problems = append(problems, "CTRADER_ACCOUNT_ID is required")
	}
	if c.ADRWindow <= 0 {
		problems = append(problems, fmt.Sprintf("ADR_WINDOW %d must be positive", c.ADRWindow))
	}
	switch c.ClassifyBy {
	case "mid", "bid":
	default:
		problems = append(problems, fmt.Sprintf("PROFILE_CLASSIFY_BY %q must be mid or bid", c.ClassifyBy))
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// BrokerAddr returns the host:port dial target.
func (c Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}
