// internal/repository/transaction_repo.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"escrow-ledger/internal/domain"
)

// TransactionFilter narrows a user's transaction history.
type TransactionFilter struct {
	Limit  int
	Offset int
	Status domain.TransactionStatus // empty for any
	Type   domain.TransactionType   // empty for any
}

// TransactionRepository is the append-only Transaction Log.
type TransactionRepository interface {
	// Create inserts a new record together with its initial events.
	Create(ctx context.Context, q DBExecutor, transaction *domain.Transaction) error
	// AppendEvent applies a state transition stamped at, appends exactly one
	// event and returns the updated record. Terminal records fail with
	// util.ErrInvalidTransition.
	AppendEvent(ctx context.Context, q DBExecutor, id uuid.UUID, input domain.EventInput, at time.Time) (*domain.Transaction, error)
	// GetByID returns the record with its events or util.ErrTransactionNotFound.
	GetByID(ctx context.Context, q DBExecutor, id uuid.UUID) (*domain.Transaction, error)
	// LockByID is GetByID plus a row lock held until q commits or rolls back.
	LockByID(ctx context.Context, q DBExecutor, id uuid.UUID) (*domain.Transaction, error)
	// ListForUser returns one page of records where the user is payer or payee,
	// newest first, plus the total matching count.
	ListForUser(ctx context.Context, q DBExecutor, userID string, filter TransactionFilter) ([]domain.Transaction, int64, error)
	// ListAllForUser returns every record of the user in chronological order.
	ListAllForUser(ctx context.Context, q DBExecutor, userID string) ([]domain.Transaction, error)
	// OpenHolds returns the held records the user is paying for.
	OpenHolds(ctx context.Context, q DBExecutor, payerID string) ([]domain.Transaction, error)
}
