// internal/app.go
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	router "escrow-ledger/internal/api"
	"escrow-ledger/internal/api/handler"
	"escrow-ledger/internal/config"
	"escrow-ledger/internal/idempotency"
	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/repository/sqlstore"
	"escrow-ledger/internal/service"
	"escrow-ledger/internal/telemetry"
	"escrow-ledger/internal/util"
	"escrow-ledger/pkg/db"
)

// Application holds all the initialized components of the application.
type Application struct {
	Config *config.AppConfig
	Logger *zerolog.Logger
	DB     *sqlx.DB
	Redis  *redis.Client

	// Repositories
	WalletRepository      repository.WalletRepository
	TransactionRepository repository.TransactionRepository

	// Services
	LedgerService service.LedgerService
	Idempotency   idempotency.Store

	// HTTP API
	HTTPHandler http.Handler

	shutdownTracing func(context.Context) error
}

// NewApplication creates a new Application instance.
func NewApplication() *Application {
	return &Application{}
}

// Initialize loads configuration from the environment and builds every component.
func (app *Application) Initialize(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return app.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig builds every component from cfg.
func (app *Application) InitializeWithConfig(ctx context.Context, cfg *config.AppConfig) error {
	app.Config = cfg

	// 1. Logger
	util.InitLogger(util.LogConfig{Level: cfg.LogLevel, Environment: cfg.Env})
	app.Logger = util.GetLogger()
	app.Logger.Info().Str("env", cfg.Env).Str("db_driver", cfg.DB.Driver).Msg("Application configuration loaded successfully.")

	// 2. Tracing
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	app.shutdownTracing = shutdown

	// 3. Database, migrated to the latest schema
	database, err := db.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.DB = database
	app.Logger.Info().Msg("Database connection established.")

	// 4. Repositories
	app.WalletRepository = sqlstore.NewWalletRepository()
	app.TransactionRepository = sqlstore.NewTransactionRepository()

	// 5. Services
	app.LedgerService = service.NewLedgerService(
		app.DB, // This is the DBTxBeginner
		app.DB, // This is the DBExecutor
		app.WalletRepository,
		app.TransactionRepository,
		db.BeginTx,
		db.CommitTx,
		db.RollbackTx,
		service.Options{
			MaxRetries:   &cfg.Ledger.MaxRetries,
			RetryBackoff: cfg.Ledger.RetryBackoff,
			AmountScale:  &cfg.Ledger.AmountScale,
			Logger:       app.Logger,
			Tracer:       telemetry.Tracer(),
		},
	)

	// 6. Idempotency store
	if cfg.RedisURL != "" {
		client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.Redis = client
		app.Idempotency = idempotency.NewRedisStore(client)
	} else {
		app.Logger.Warn().Msg("REDIS_URL not set, idempotency keys are kept in memory")
		app.Idempotency = idempotency.NewMemoryStore()
	}

	// 7. HTTP handlers and router
	ledgerHandler := handler.NewLedgerHandler(app.LedgerService, app.Logger)
	app.HTTPHandler = router.NewRouter(ledgerHandler, router.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Idempotency:    app.Idempotency,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         app.Logger,
	})
	app.Logger.Info().Msg("HTTP router and handlers initialized.")

	return nil
}

// Shutdown gracefully shuts down application resources.
func (app *Application) Shutdown(ctx context.Context) error {
	logger := app.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	logger.Info().Msg("Shutting down application...")

	var firstErr error
	if app.Redis != nil {
		if err := app.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close Redis connection")
			firstErr = fmt.Errorf("failed to close redis connection: %w", err)
		}
	}
	if app.DB != nil {
		if err := app.DB.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close database connection")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to close database connection: %w", err)
			}
		} else {
			logger.Info().Msg("Database connection closed.")
		}
	}
	if app.shutdownTracing != nil {
		if err := app.shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	if firstErr == nil {
		logger.Info().Msg("Application shut down gracefully.")
	}
	return firstErr
}
