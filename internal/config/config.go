// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"escrow-ledger/internal/telemetry"
	"escrow-ledger/pkg/db" // Import db package for its Config struct
)

// maxAmountScale is the number of decimal places the monetary columns store.
const maxAmountScale = 4

// AppConfig holds all application-wide configurations.
type AppConfig struct {
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	Env        string `env:"ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	DB     db.Config    `envPrefix:"DB_"`
	Ledger LedgerConfig `envPrefix:"LEDGER_"`

	// RedisURL backs the idempotency store; empty keeps keys in memory.
	RedisURL       string        `env:"REDIS_URL"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	Telemetry telemetry.Config
}

// LedgerConfig tunes the Ledger Engine.
type LedgerConfig struct {
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"10ms"`
	AmountScale  int32         `env:"AMOUNT_SCALE" envDefault:"2"`
}

// LoadConfig loads configuration from environment variables, after merging an
// optional .env file. It returns an error if any variable is invalid.
func LoadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *AppConfig) Validate() error {
	switch c.DB.Driver {
	case db.DriverPostgres, db.DriverSQLite:
	default:
		return fmt.Errorf("invalid DB_DRIVER %q: want %s or %s", c.DB.Driver, db.DriverPostgres, db.DriverSQLite)
	}
	if c.Ledger.AmountScale < 0 || c.Ledger.AmountScale > maxAmountScale {
		return fmt.Errorf("invalid LEDGER_AMOUNT_SCALE %d: must be between 0 and %d", c.Ledger.AmountScale, maxAmountScale)
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("invalid LEDGER_MAX_RETRIES %d: must not be negative", c.Ledger.MaxRetries)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("invalid IDEMPOTENCY_TTL %s: must be positive", c.IdempotencyTTL)
	}
	return nil
}
