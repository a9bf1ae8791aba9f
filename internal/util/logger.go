// internal/util/logger.go
package util

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level       string // debug, info, warn, error
	Environment string // development, production, test
}

var (
	logger      zerolog.Logger
	initialized bool
)

// InitLogger initializes the global structured logger.
// Development gets a console writer, everything else gets JSON on stdout.
func InitLogger(cfg LogConfig) {
	initLogger(cfg, os.Stdout)
}

func initLogger(cfg LogConfig, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Environment == "development" || cfg.Environment == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
			With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Caller().Logger()
	}
	log.Logger = logger
	initialized = true
}

// GetLogger returns the initialized global logger.
func GetLogger() *zerolog.Logger {
	if !initialized {
		InitLogger(LogConfig{Level: "info"}) // should be called explicitly at app start
	}
	return &logger
}
