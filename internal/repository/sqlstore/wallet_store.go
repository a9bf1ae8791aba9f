// internal/repository/sqlstore/wallet_store.go
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"escrow-ledger/internal/domain"
	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/util"
)

const walletColumns = `user_id, balance, held_balance, total_earned, total_spent, version, created_at, updated_at`

// WalletRepository implements repository.WalletRepository.
type WalletRepository struct {
	now func() time.Time
}

// NewWalletRepository creates a new WalletRepository.
func NewWalletRepository() repository.WalletRepository {
	return &WalletRepository{now: time.Now}
}

func (r *WalletRepository) ensure(ctx context.Context, q repository.DBExecutor, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", util.ErrInvalidInput)
	}
	w := domain.NewWallet(userID)
	query := q.Rebind(`INSERT INTO wallets (` + walletColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT (user_id) DO NOTHING`)
	_, err := q.ExecContext(ctx, query,
		w.UserID, w.Balance, w.HeldBalance, w.TotalEarned, w.TotalSpent, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return storageError(fmt.Sprintf("failed to create wallet for user %s", userID), err)
	}
	return nil
}

func (r *WalletRepository) get(ctx context.Context, q repository.DBExecutor, userID, suffix string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	query := q.Rebind(`SELECT ` + walletColumns + ` FROM wallets WHERE user_id = ?` + suffix)
	err := q.GetContext(ctx, &wallet, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrWalletNotFound
		}
		return nil, storageError(fmt.Sprintf("failed to get wallet for user %s", userID), err)
	}
	return &wallet, nil
}

// GetOrCreate returns the user's wallet, creating it with zero balances first if needed.
func (r *WalletRepository) GetOrCreate(ctx context.Context, q repository.DBExecutor, userID string) (*domain.Wallet, error) {
	if err := r.ensure(ctx, q, userID); err != nil {
		return nil, err
	}
	return r.get(ctx, q, userID, "")
}

// GetByUserID retrieves a wallet without creating it.
func (r *WalletRepository) GetByUserID(ctx context.Context, q repository.DBExecutor, userID string) (*domain.Wallet, error) {
	return r.get(ctx, q, userID, "")
}

// LockForUpdate creates the wallet if needed and locks its row for the rest of q's transaction.
func (r *WalletRepository) LockForUpdate(ctx context.Context, q repository.DBExecutor, userID string) (*domain.Wallet, error) {
	if err := r.ensure(ctx, q, userID); err != nil {
		return nil, err
	}
	return r.get(ctx, q, userID, forUpdate(q))
}

// ApplyDelta reads the locked wallet, applies delta through domain.Wallet.Apply
// and writes the result guarded by the version it read.
func (r *WalletRepository) ApplyDelta(ctx context.Context, q repository.DBExecutor, userID string, delta domain.Delta) (*domain.Wallet, error) {
	current, err := r.LockForUpdate(ctx, q, userID)
	if err != nil {
		return nil, err
	}

	next, err := current.Apply(delta, r.now())
	if err != nil {
		return nil, err
	}

	query := q.Rebind(`UPDATE wallets
              SET balance = ?, held_balance = ?, total_earned = ?, total_spent = ?, version = ?, updated_at = ?
              WHERE user_id = ? AND version = ?`)
	result, err := q.ExecContext(ctx, query,
		next.Balance, next.HeldBalance, next.TotalEarned, next.TotalSpent, next.Version, next.UpdatedAt,
		userID, current.Version)
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to update wallet for user %s", userID), err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected after updating wallet for user %s: %w", userID, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: wallet %s changed since version %d", util.ErrStorageConflict, userID, current.Version)
	}
	return &next, nil
}
