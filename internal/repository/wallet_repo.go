// internal/repository/wallet_repo.go
package repository

import (
	"context"

	"escrow-ledger/internal/domain"
)

// WalletRepository is the Wallet Store: one wallet per user, mutated only
// through ApplyDelta.
type WalletRepository interface {
	// GetOrCreate returns the user's wallet, creating a zero wallet on first access.
	GetOrCreate(ctx context.Context, q DBExecutor, userID string) (*domain.Wallet, error)
	// GetByUserID returns the wallet or util.ErrWalletNotFound without creating it.
	GetByUserID(ctx context.Context, q DBExecutor, userID string) (*domain.Wallet, error)
	// LockForUpdate is GetOrCreate plus a row lock held until q commits or rolls back.
	LockForUpdate(ctx context.Context, q DBExecutor, userID string) (*domain.Wallet, error)
	// ApplyDelta atomically adds delta and returns the new state. It fails with
	// util.ErrInsufficientFunds if balance or held balance would go negative and
	// with util.ErrStorageConflict if a concurrent write won.
	ApplyDelta(ctx context.Context, q DBExecutor, userID string, delta domain.Delta) (*domain.Wallet, error)
}
