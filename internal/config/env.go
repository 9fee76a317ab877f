// Package config loads the command-line client's settings from UFSRV_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the CLI needs to build a client. Flags given on
// the command line override these values.
type Config struct {
	APIURL      string `env:"UFSRV_API_URL" envDefault:"https://api.unfacd.io"`
	WSURL       string `env:"UFSRV_WS_URL"`
	CDNURL      string `env:"UFSRV_CDN_URL"`
	CAFile      string `env:"UFSRV_CA_FILE"`
	DBPath      string `env:"UFSRV_DB_PATH" envDefault:"ufsrv.db"`
	Username    string `env:"UFSRV_USERNAME"`
	Password    string `env:"UFSRV_PASSWORD"`
	LocalACI    string `env:"UFSRV_LOCAL_ACI"`
	LocalDevice int    `env:"UFSRV_LOCAL_DEVICE" envDefault:"1"`

	Workers   int     `env:"UFSRV_WORKERS" envDefault:"8"`
	RateLimit float64 `env:"UFSRV_RATE_LIMIT"`
	RateBurst int     `env:"UFSRV_RATE_BURST" envDefault:"1"`

	MaxEnvelopeSize int           `env:"UFSRV_MAX_ENVELOPE_SIZE"`
	SendTimeout     time.Duration `env:"UFSRV_SEND_TIMEOUT" envDefault:"30s"`

	LogFile    string `env:"UFSRV_LOG_FILE"`
	DebugLevel string `env:"UFSRV_DEBUG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load returns the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("config: UFSRV_WORKERS must be positive, got %d", cfg.Workers)
	}
	if cfg.RateLimit < 0 {
		return Config{}, fmt.Errorf("config: UFSRV_RATE_LIMIT must not be negative")
	}
	return cfg, nil
}
