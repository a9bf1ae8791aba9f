// internal/util/errors.go
package util

import (
	"errors"
	"fmt"
)

// Ledger error taxonomy.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionNotHeld  = errors.New("transaction is not held")
	ErrInvalidTransition   = errors.New("invalid transaction state transition")
	ErrStorageConflict     = errors.New("storage write conflict")

	// ErrConflictRetriesExhausted is surfaced once StorageConflict retries run out.
	// Callers should treat it as "try again", never as "not allowed".
	ErrConflictRetriesExhausted = errors.New("ledger busy, try again")

	ErrInvalidInput   = errors.New("invalid input provided")
	ErrPayeeMismatch  = errors.New("payee does not match held transaction")
	ErrSameParty      = errors.New("payer and payee must differ")
	ErrWalletNotFound = errors.New("wallet not found")
)

// errTerminal is returned when a release or refund targets a transaction that
// already reached released/refunded.
var errTerminal = fmt.Errorf("%w: %w", ErrInvalidTransition, ErrTransactionNotHeld)

// TerminalTransitionError reports an attempt to move a terminal transaction.
// The returned error matches both ErrInvalidTransition and ErrTransactionNotHeld.
func TerminalTransitionError(status string) error {
	return fmt.Errorf("%w (status %s)", errTerminal, status)
}

// IsError reports whether err matches target anywhere in its chain.
func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// IsBusinessError reports whether err is a business-rule rejection. These are
// terminal for a call and must never be retried automatically.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrTransactionNotHeld) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPayeeMismatch) ||
		errors.Is(err, ErrSameParty)
}

// IsRetryable reports whether err is transient storage contention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) && !IsBusinessError(err)
}
