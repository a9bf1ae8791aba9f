// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env here

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.DB.ConnMaxLifetime)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.EqualValues(t, 2, cfg.Ledger.AmountScale)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.Telemetry.Endpoint)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("LEDGER_MAX_RETRIES", "5")
	t.Setenv("LEDGER_AMOUNT_SCALE", "4")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("OTEL_ENDPOINT", "http://collector:4318")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.DB.SQLitePath)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.EqualValues(t, 4, cfg.Ledger.AmountScale)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DB_DRIVER":           "mysql",
		"LEDGER_AMOUNT_SCALE": "6",
		"LEDGER_MAX_RETRIES":  "-1",
		"DB_PORT":             "not-a-port",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(key, value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
