// pkg/db/db.go
package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database connection configuration.
type Config struct {
	Driver     string `env:"DRIVER" envDefault:"postgres"`
	Host       string `env:"HOST" envDefault:"localhost"`
	Port       int    `env:"PORT" envDefault:"5432"`
	User       string `env:"USER" envDefault:"user"`
	Password   string `env:"PASSWORD" envDefault:"password"`
	DBName     string `env:"NAME" envDefault:"ledgerdb"`
	SSLMode    string `env:"SSLMODE" envDefault:"disable"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"ledger.db"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// Open connects to the configured driver and applies the embedded migrations.
func Open(cfg Config) (*sqlx.DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)
	switch cfg.Driver {
	case DriverPostgres, "":
		conn, err = NewPostgresDB(cfg)
	case DriverSQLite:
		conn, err = NewSQLiteDB(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
