// internal/api/handler/respond.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"escrow-ledger/internal/util"
)

// DefaultTimeout bounds the handling time of a single request.
const DefaultTimeout = 30 * time.Second

func respondWithJSON(w http.ResponseWriter, logger *zerolog.Logger, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// StatusFor maps a ledger error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case util.IsError(err, util.ErrConflictRetriesExhausted):
		return http.StatusServiceUnavailable
	case util.IsError(err, util.ErrInvalidTransition),
		util.IsError(err, util.ErrTransactionNotHeld),
		util.IsError(err, util.ErrPayeeMismatch):
		return http.StatusConflict
	case util.IsError(err, util.ErrTransactionNotFound), util.IsError(err, util.ErrWalletNotFound):
		return http.StatusNotFound
	case util.IsError(err, util.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case util.IsError(err, util.ErrInvalidAmount),
		util.IsError(err, util.ErrInvalidInput),
		util.IsError(err, util.ErrSameParty):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondWithError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	code := StatusFor(err)
	message := err.Error()
	switch code {
	case http.StatusInternalServerError:
		logger.Error().Err(err).Msg("Unhandled service error")
		message = "internal server error"
	case http.StatusServiceUnavailable:
		logger.Warn().Err(err).Msg("Ledger contention, client should retry")
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, logger, code, map[string]string{"error": message})
}
