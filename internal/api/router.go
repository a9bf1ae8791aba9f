// internal/api/router.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"escrow-ledger/internal/api/handler"
	"escrow-ledger/internal/api/middleware"
	"escrow-ledger/internal/idempotency"
)

// maxRequestBody caps every request body, which the idempotency layer reads in full.
const maxRequestBody = 1 << 20

// RouterConfig carries what the router needs besides the handler.
type RouterConfig struct {
	AllowedOrigins []string
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Logger         *zerolog.Logger
}

// NewRouter sets up and returns a new HTTP router.
func NewRouter(ledgerHandler *handler.LedgerHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middlewares
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(handler.DefaultTimeout))
	r.Use(chimw.RequestSize(maxRequestBody))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	idempotent := idempotency.Middleware(cfg.Idempotency, cfg.IdempotencyTTL, cfg.Logger)

	r.Route("/wallets/{userID}", func(r chi.Router) {
		r.Get("/", ledgerHandler.GetWallet)
		r.Get("/stats", ledgerHandler.GetWalletStats)
		r.Get("/transactions", ledgerHandler.ListTransactions)
		r.Get("/reconciliation", ledgerHandler.Reconcile)

		r.With(idempotent).Post("/deposit", ledgerHandler.Deposit)
		r.With(idempotent).Post("/withdraw", ledgerHandler.Withdraw)
	})

	r.Route("/escrow/holds", func(r chi.Router) {
		r.Use(idempotent)
		r.Post("/", ledgerHandler.Hold)
		r.Post("/{transactionID}/release", ledgerHandler.Release)
		r.Post("/{transactionID}/refund", ledgerHandler.Refund)
	})

	// Transfer is a separate top-level endpoint as it involves two wallets
	r.With(idempotent).Post("/transfers", ledgerHandler.Transfer)

	r.Get("/transactions/{transactionID}", ledgerHandler.GetTransaction)

	return r
}
