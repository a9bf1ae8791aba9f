// internal/repository/sqlstore/transaction_store.go
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"escrow-ledger/internal/domain"
	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/util"
	"escrow-ledger/pkg/db"
)

const transactionColumns = `id, type, status, payer_id, payee_id, amount, project_id, milestone_id, parent_id,
       description, platform_fee, processing_fee, version, created_at, updated_at`

const eventColumns = `transaction_id, seq, type, amount, details, created_at`

// TransactionRepository implements repository.TransactionRepository.
// Every timestamp it writes comes from the caller.
type TransactionRepository struct{}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository() repository.TransactionRepository {
	return &TransactionRepository{}
}

// Create inserts a new transaction record and its initial events.
func (r *TransactionRepository) Create(ctx context.Context, q repository.DBExecutor, transaction *domain.Transaction) error {
	query := q.Rebind(`INSERT INTO ledger_transactions (` + transactionColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query,
		transaction.ID,
		transaction.Type,
		transaction.Status,
		transaction.PayerID,
		transaction.PayeeID,
		transaction.Amount,
		transaction.ProjectID,
		transaction.MilestoneID,
		transaction.ParentID,
		transaction.Description,
		transaction.PlatformFee,
		transaction.ProcessingFee,
		transaction.Version,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	)
	if err != nil {
		return storageError("failed to create transaction", err)
	}

	for _, ev := range transaction.Events {
		if err := r.insertEvent(ctx, q, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionRepository) insertEvent(ctx context.Context, q repository.DBExecutor, ev domain.Event) error {
	query := q.Rebind(`INSERT INTO ledger_transaction_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query, ev.TransactionID, ev.Seq, ev.Type, ev.Amount, ev.Details, ev.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			// another writer appended this sequence number first
			return fmt.Errorf("%w: event %d of transaction %s already exists", util.ErrStorageConflict, ev.Seq, ev.TransactionID)
		}
		return storageError(fmt.Sprintf("failed to append event to transaction %s", ev.TransactionID), err)
	}
	return nil
}

// AppendEvent transitions the locked record through domain.Transaction.Apply
// and persists the new status together with exactly one new event. The event
// and the record's updated_at are stamped with at, the caller's clock.
func (r *TransactionRepository) AppendEvent(ctx context.Context, q repository.DBExecutor, id uuid.UUID, input domain.EventInput, at time.Time) (*domain.Transaction, error) {
	current, err := r.LockByID(ctx, q, id)
	if err != nil {
		return nil, err
	}

	next, ev, err := current.Apply(input, at)
	if err != nil {
		return nil, err
	}

	query := q.Rebind(`UPDATE ledger_transactions
              SET status = ?, payee_id = ?, version = ?, updated_at = ?
              WHERE id = ? AND version = ?`)
	result, err := q.ExecContext(ctx, query, next.Status, next.PayeeID, next.Version, next.UpdatedAt, id, current.Version)
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to update transaction %s", id), err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected after updating transaction %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: transaction %s changed since version %d", util.ErrStorageConflict, id, current.Version)
	}

	if err := r.insertEvent(ctx, q, ev); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *TransactionRepository) get(ctx context.Context, q repository.DBExecutor, id uuid.UUID, suffix string) (*domain.Transaction, error) {
	var transaction domain.Transaction
	query := q.Rebind(`SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = ?` + suffix)
	if err := q.GetContext(ctx, &transaction, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", util.ErrTransactionNotFound, id)
		}
		return nil, storageError(fmt.Sprintf("failed to get transaction %s", id), err)
	}

	transactions := []domain.Transaction{transaction}
	if err := r.attachEvents(ctx, q, transactions); err != nil {
		return nil, err
	}
	return &transactions[0], nil
}

// GetByID retrieves one transaction with its event history.
func (r *TransactionRepository) GetByID(ctx context.Context, q repository.DBExecutor, id uuid.UUID) (*domain.Transaction, error) {
	return r.get(ctx, q, id, "")
}

// LockByID retrieves one transaction and locks its row for the rest of q's transaction.
func (r *TransactionRepository) LockByID(ctx context.Context, q repository.DBExecutor, id uuid.UUID) (*domain.Transaction, error) {
	return r.get(ctx, q, id, forUpdate(q))
}

// ListForUser retrieves a paginated, filtered list of a user's transactions.
// It performs two queries: one for the data and one for the total count.
func (r *TransactionRepository) ListForUser(ctx context.Context, q repository.DBExecutor, userID string, filter repository.TransactionFilter) ([]domain.Transaction, int64, error) {
	conditions := []string{"(payer_id = ? OR payee_id = ?)"}
	args := []interface{}{userID, userID}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var totalCount int64
	if err := q.GetContext(ctx, &totalCount, q.Rebind(`SELECT COUNT(*) FROM ledger_transactions`+where), args...); err != nil {
		return nil, 0, storageError(fmt.Sprintf("failed to count transactions for user %s", userID), err)
	}

	transactions := []domain.Transaction{}
	query := q.Rebind(`SELECT ` + transactionColumns + ` FROM ledger_transactions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	if err := q.SelectContext(ctx, &transactions, query, pageArgs...); err != nil {
		return nil, 0, storageError(fmt.Sprintf("failed to fetch transactions for user %s", userID), err)
	}

	if err := r.attachEvents(ctx, q, transactions); err != nil {
		return nil, 0, err
	}
	return transactions, totalCount, nil
}

// ListAllForUser retrieves the user's full history, oldest first.
func (r *TransactionRepository) ListAllForUser(ctx context.Context, q repository.DBExecutor, userID string) ([]domain.Transaction, error) {
	transactions := []domain.Transaction{}
	query := q.Rebind(`SELECT ` + transactionColumns + ` FROM ledger_transactions
		WHERE payer_id = ? OR payee_id = ?
		ORDER BY created_at ASC, id ASC`)
	if err := q.SelectContext(ctx, &transactions, query, userID, userID); err != nil {
		return nil, storageError(fmt.Sprintf("failed to fetch history for user %s", userID), err)
	}
	if err := r.attachEvents(ctx, q, transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

// OpenHolds retrieves the records still held against payerID.
func (r *TransactionRepository) OpenHolds(ctx context.Context, q repository.DBExecutor, payerID string) ([]domain.Transaction, error) {
	transactions := []domain.Transaction{}
	query := q.Rebind(`SELECT ` + transactionColumns + ` FROM ledger_transactions
		WHERE payer_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`)
	if err := q.SelectContext(ctx, &transactions, query, payerID, domain.TransactionStatusHeld); err != nil {
		return nil, storageError(fmt.Sprintf("failed to fetch open holds for user %s", payerID), err)
	}
	return transactions, nil
}

// attachEvents loads the event history of every transaction in one query.
func (r *TransactionRepository) attachEvents(ctx context.Context, q repository.DBExecutor, transactions []domain.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	ids := make([]string, len(transactions))
	for i, t := range transactions {
		ids[i] = t.ID.String()
	}

	query, args, err := sqlx.In(`SELECT `+eventColumns+` FROM ledger_transaction_events
		WHERE transaction_id IN (?)
		ORDER BY transaction_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("failed to build event query: %w", err)
	}

	events := []domain.Event{}
	if err := q.SelectContext(ctx, &events, q.Rebind(query), args...); err != nil {
		return storageError("failed to fetch transaction events", err)
	}

	byID := make(map[uuid.UUID][]domain.Event, len(transactions))
	for _, ev := range events {
		byID[ev.TransactionID] = append(byID[ev.TransactionID], ev)
	}
	for i := range transactions {
		transactions[i].Events = byID[transactions[i].ID]
		if transactions[i].Events == nil {
			transactions[i].Events = []domain.Event{}
		}
	}
	return nil
}
