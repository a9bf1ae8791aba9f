// internal/service/ledger_service.go
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrow-ledger/internal/domain"
	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/telemetry"
	"escrow-ledger/internal/util"
	"escrow-ledger/pkg/db"
)

// Default tuning for Options fields left at zero.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 10 * time.Millisecond
	defaultPageSize     = 20
	maxPageSize         = 100
)

// LedgerService defines the Ledger Engine: every balance-affecting operation
// plus the read API over wallets and transactions.
type LedgerService interface {
	AddFunds(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Wallet, *domain.Transaction, error)
	WithdrawFunds(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Wallet, *domain.Transaction, error)
	HoldFunds(ctx context.Context, req HoldRequest) (*Receipt, error)
	ReleaseFunds(ctx context.Context, req ReleaseRequest) (*Receipt, error)
	RefundFunds(ctx context.Context, req RefundRequest) (*Receipt, error)
	TransferFunds(ctx context.Context, req TransferRequest) (*Receipt, error)

	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	GetWalletStats(ctx context.Context, userID string) (*domain.WalletStats, error)
	ListTransactions(ctx context.Context, userID string, filter repository.TransactionFilter) ([]domain.Transaction, int64, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ReconcileWallet(ctx context.Context, userID string) (*domain.Reconciliation, error)
}

// Options tunes the engine. Nil and zero values fall back to defaults.
// MaxRetries and AmountScale are pointers because zero is a meaningful
// setting for both (no retries, whole-unit currencies).
type Options struct {
	MaxRetries   *int          // retries after the first attempt on StorageConflict
	RetryBackoff time.Duration // multiplied by the attempt number
	AmountScale  *int32        // decimal places of the minimum unit
	Logger       *zerolog.Logger
	Tracer       trace.Tracer
	Now          func() time.Time
}

// ledgerService implements the LedgerService interface.
type ledgerService struct {
	dbBeginner      db.DBTxBeginner       // For starting transactions (e.g., *sqlx.DB)
	dbExecutor      repository.DBExecutor // For non-transactional reads (e.g., *sqlx.DB)
	walletRepo      repository.WalletRepository
	transactionRepo repository.TransactionRepository
	beginTx         db.BeginTxFunc
	commitTx        db.CommitTxFunc
	rollbackTx      db.RollbackTxFunc

	maxRetries   int
	retryBackoff time.Duration
	scale        int32
	logger       *zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewLedgerService creates a new instance of LedgerService.
func NewLedgerService(
	dbBeginner db.DBTxBeginner,
	dbExecutor repository.DBExecutor,
	walletRepo repository.WalletRepository,
	transactionRepo repository.TransactionRepository,
	beginTx db.BeginTxFunc,
	commitTx db.CommitTxFunc,
	rollbackTx db.RollbackTxFunc,
	opts Options,
) LedgerService {
	s := &ledgerService{
		dbBeginner:      dbBeginner,
		dbExecutor:      dbExecutor,
		walletRepo:      walletRepo,
		transactionRepo: transactionRepo,
		beginTx:         beginTx,
		commitTx:        commitTx,
		rollbackTx:      rollbackTx,
		maxRetries:      DefaultMaxRetries,
		retryBackoff:    opts.RetryBackoff,
		scale:           domain.DefaultAmountScale,
		logger:          opts.Logger,
		tracer:          opts.Tracer,
		now:             opts.Now,
	}
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		s.maxRetries = *opts.MaxRetries
	}
	if opts.AmountScale != nil && *opts.AmountScale >= 0 {
		s.scale = *opts.AmountScale
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = DefaultRetryBackoff
	}
	if s.logger == nil {
		s.logger = util.GetLogger()
	}
	if s.tracer == nil {
		s.tracer = telemetry.Tracer()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddFunds credits an external top-up to the user's spendable balance.
func (s *ledgerService) AddFunds(ctx context.Context, userID string, amount decimal.Decimal, description string) (wallet *domain.Wallet, record *domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "AddFunds", attribute.String("ledger.user_id", userID), amountAttr(amount))
	defer func() { endSpan(span, err) }()

	if err := requireUser(userID); err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateAmount(amount, s.scale); err != nil {
		return nil, nil, err
	}

	err = s.runInTx(ctx, "add funds", func(q repository.DBExecutor) error {
		w, err := s.walletRepo.ApplyDelta(ctx, q, userID, domain.Delta{Balance: amount})
		if err != nil {
			return fmt.Errorf("add funds: failed to credit wallet %s: %w", userID, err)
		}
		credit := domain.NewCredit(userID, amount, description, s.now())
		if err := s.transactionRepo.Create(ctx, q, credit); err != nil {
			return fmt.Errorf("add funds: failed to record credit: %w", err)
		}
		wallet, record = w, credit
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Str("user_id", userID).Str("amount", amount.String()).
		Str("transaction_id", record.ID.String()).Msg("funds added")
	return wallet, record, nil
}

// WithdrawFunds debits an external cash-out from the user's spendable balance.
func (s *ledgerService) WithdrawFunds(ctx context.Context, userID string, amount decimal.Decimal, description string) (wallet *domain.Wallet, record *domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "WithdrawFunds", attribute.String("ledger.user_id", userID), amountAttr(amount))
	defer func() { endSpan(span, err) }()

	if err := requireUser(userID); err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateAmount(amount, s.scale); err != nil {
		return nil, nil, err
	}

	err = s.runInTx(ctx, "withdraw funds", func(q repository.DBExecutor) error {
		w, err := s.walletRepo.ApplyDelta(ctx, q, userID, domain.Delta{Balance: amount.Neg()})
		if err != nil {
			return fmt.Errorf("withdraw funds: failed to debit wallet %s: %w", userID, err)
		}
		debit := domain.NewDebit(userID, amount, description, s.now())
		if err := s.transactionRepo.Create(ctx, q, debit); err != nil {
			return fmt.Errorf("withdraw funds: failed to record debit: %w", err)
		}
		wallet, record = w, debit
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Str("user_id", userID).Str("amount", amount.String()).
		Str("transaction_id", record.ID.String()).Msg("funds withdrawn")
	return wallet, record, nil
}

// HoldFunds moves funds from the payer's balance into escrow and opens a held record.
func (s *ledgerService) HoldFunds(ctx context.Context, req HoldRequest) (receipt *Receipt, err error) {
	ctx, span := s.startSpan(ctx, "HoldFunds", attribute.String("ledger.payer_id", req.PayerID), amountAttr(req.Amount))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateAmount(req.Amount, s.scale); err != nil {
		return nil, err
	}
	if err := s.validateFees(req.Fees); err != nil {
		return nil, err
	}
	hold, err := domain.NewHold(domain.HoldParams{
		Type:        domain.TransactionTypeEscrow,
		PayerID:     req.PayerID,
		PayeeID:     nonEmpty(req.PayeeID),
		Amount:      req.Amount,
		ProjectID:   req.ProjectID,
		MilestoneID: nonEmpty(req.MilestoneID),
		Description: req.Description,
		Fees:        req.Fees,
	}, s.now())
	if err != nil {
		return nil, err
	}

	err = s.runInTx(ctx, "hold funds", func(q repository.DBExecutor) error {
		payer, err := s.walletRepo.ApplyDelta(ctx, q, req.PayerID, domain.Delta{
			Balance: req.Amount.Neg(),
			Held:    req.Amount,
		})
		if err != nil {
			return fmt.Errorf("hold funds: failed to escrow from wallet %s: %w", req.PayerID, err)
		}
		if err := s.transactionRepo.Create(ctx, q, hold); err != nil {
			return fmt.Errorf("hold funds: failed to create transaction: %w", err)
		}
		receipt = &Receipt{Transaction: hold, Payer: payer}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("ledger.transaction_id", hold.ID.String()))
	s.logger.Info().Str("transaction_id", hold.ID.String()).Str("payer_id", req.PayerID).
		Str("project_id", req.ProjectID).Str("amount", req.Amount.String()).Msg("funds held")
	return receipt, nil
}

// ReleaseFunds pays a held record out to its payee.
func (s *ledgerService) ReleaseFunds(ctx context.Context, req ReleaseRequest) (receipt *Receipt, err error) {
	ctx, span := s.startSpan(ctx, "ReleaseFunds", attribute.String("ledger.transaction_id", req.TransactionID.String()))
	defer func() { endSpan(span, err) }()

	input := domain.EventInput{Type: domain.EventReleased, Details: req.Description, PayeeID: nonEmpty(req.PayeeID)}

	err = s.runInTx(ctx, "release funds", func(q repository.DBExecutor) error {
		held, err := s.transactionRepo.LockByID(ctx, q, req.TransactionID)
		if err != nil {
			return fmt.Errorf("release funds: %w", err)
		}
		// Resolve the payee before any wallet is touched.
		at := s.now()
		preview, _, err := held.Apply(input, at)
		if err != nil {
			return fmt.Errorf("release funds: %w", err)
		}
		payerID, payeeID := held.Payer(), preview.Payee()

		if err := s.lockWallets(ctx, q, payerID, payeeID); err != nil {
			return fmt.Errorf("release funds: %w", err)
		}

		released, err := s.transactionRepo.AppendEvent(ctx, q, held.ID, input, at)
		if err != nil {
			return fmt.Errorf("release funds: failed to append event: %w", err)
		}
		payer, err := s.walletRepo.ApplyDelta(ctx, q, payerID, domain.Delta{
			Held:  held.Amount.Neg(),
			Spent: held.Amount,
		})
		if err != nil {
			return fmt.Errorf("release funds: failed to settle payer wallet %s: %w", payerID, err)
		}
		payee, err := s.walletRepo.ApplyDelta(ctx, q, payeeID, domain.Delta{
			Balance: held.Amount,
			Earned:  held.Amount,
		})
		if err != nil {
			return fmt.Errorf("release funds: failed to pay wallet %s: %w", payeeID, err)
		}
		receipt = &Receipt{Transaction: released, Payer: payer, Payee: payee}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transaction_id", req.TransactionID.String()).
		Str("payee_id", receipt.Transaction.Payee()).Str("amount", receipt.Transaction.Amount.String()).
		Msg("funds released")
	return receipt, nil
}

// RefundFunds returns held funds to the payer. A partial refund splits the
// record: the parent is refunded by the requested amount and the remainder
// moves to a child record that stays held or is released per req.Remainder.
func (s *ledgerService) RefundFunds(ctx context.Context, req RefundRequest) (receipt *Receipt, err error) {
	ctx, span := s.startSpan(ctx, "RefundFunds", attribute.String("ledger.transaction_id", req.TransactionID.String()))
	defer func() { endSpan(span, err) }()

	if !req.Amount.IsZero() {
		if err := domain.ValidateAmount(req.Amount, s.scale); err != nil {
			return nil, err
		}
	}
	if req.Remainder != "" && !req.Remainder.Valid() {
		return nil, fmt.Errorf("%w: unknown remainder policy %q", util.ErrInvalidInput, req.Remainder)
	}
	input := domain.EventInput{Type: domain.EventRefunded, Details: req.Description, Amount: req.Amount}

	err = s.runInTx(ctx, "refund funds", func(q repository.DBExecutor) error {
		held, err := s.transactionRepo.LockByID(ctx, q, req.TransactionID)
		if err != nil {
			return fmt.Errorf("refund funds: %w", err)
		}
		at := s.now()
		_, ev, err := held.Apply(input, at)
		if err != nil {
			return fmt.Errorf("refund funds: %w", err)
		}

		payerID := held.Payer()
		refunded := ev.Amount
		rest := held.Amount.Sub(refunded)

		payerDelta := domain.Delta{Balance: refunded, Held: refunded.Neg()}
		var (
			child   *domain.Transaction
			payeeID string
		)
		if rest.IsPositive() {
			if !req.Remainder.Valid() {
				return fmt.Errorf("%w: partial refund of %s needs a remainder policy", util.ErrInvalidInput, held.ID)
			}
			child, err = s.remainderOf(*held, rest, req)
			if err != nil {
				return fmt.Errorf("refund funds: %w", err)
			}
			if req.Remainder == RemainderRelease {
				payeeID = child.Payee()
				payerDelta = payerDelta.Add(domain.Delta{Held: rest.Neg(), Spent: rest})
			}
		}

		if err := s.lockWallets(ctx, q, payerID, payeeID); err != nil {
			return fmt.Errorf("refund funds: %w", err)
		}

		parent, err := s.transactionRepo.AppendEvent(ctx, q, held.ID, input, at)
		if err != nil {
			return fmt.Errorf("refund funds: failed to append event: %w", err)
		}
		if child != nil {
			if err := s.transactionRepo.Create(ctx, q, child); err != nil {
				return fmt.Errorf("refund funds: failed to create remainder: %w", err)
			}
		}
		payer, err := s.walletRepo.ApplyDelta(ctx, q, payerID, payerDelta)
		if err != nil {
			return fmt.Errorf("refund funds: failed to refund wallet %s: %w", payerID, err)
		}
		receipt = &Receipt{Transaction: parent, Payer: payer, Remainder: child}

		if payeeID != "" {
			payee, err := s.walletRepo.ApplyDelta(ctx, q, payeeID, domain.Delta{Balance: rest, Earned: rest})
			if err != nil {
				return fmt.Errorf("refund funds: failed to pay wallet %s: %w", payeeID, err)
			}
			receipt.Payee = payee
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logEvent := s.logger.Info().Str("transaction_id", req.TransactionID.String()).
		Str("payer_id", receipt.Transaction.Payer())
	if receipt.Remainder != nil {
		logEvent = logEvent.Str("remainder_id", receipt.Remainder.ID.String()).
			Str("remainder_status", string(receipt.Remainder.Status))
	}
	logEvent.Msg("funds refunded")
	return receipt, nil
}

// remainderOf builds the child record that carries the unrefunded part of held.
func (s *ledgerService) remainderOf(held domain.Transaction, rest decimal.Decimal, req RefundRequest) (*domain.Transaction, error) {
	project := ""
	if held.ProjectID != nil {
		project = *held.ProjectID
	}
	child, err := domain.NewHold(domain.HoldParams{
		Type:        held.Type,
		PayerID:     held.Payer(),
		PayeeID:     held.PayeeID,
		Amount:      rest,
		ProjectID:   project,
		MilestoneID: held.MilestoneID,
		ParentID:    uuid.NullUUID{UUID: held.ID, Valid: true},
		Description: fmt.Sprintf("remainder of %s", held.ID),
	}, s.now())
	if err != nil {
		return nil, err
	}
	if req.Remainder != RemainderRelease {
		return child, nil
	}

	released, _, err := child.Apply(domain.EventInput{
		Type:    domain.EventReleased,
		Details: req.Description,
		PayeeID: nonEmpty(req.PayeeID),
	}, s.now())
	if err != nil {
		return nil, err
	}
	return &released, nil
}

// TransferFunds pays the payee immediately. The record still passes through
// held before released, so its history matches an escrowed payment.
func (s *ledgerService) TransferFunds(ctx context.Context, req TransferRequest) (receipt *Receipt, err error) {
	ctx, span := s.startSpan(ctx, "TransferFunds",
		attribute.String("ledger.payer_id", req.PayerID),
		attribute.String("ledger.payee_id", req.PayeeID),
		amountAttr(req.Amount))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateAmount(req.Amount, s.scale); err != nil {
		return nil, err
	}
	if err := requireUser(req.PayeeID); err != nil {
		return nil, err
	}
	payeeID := req.PayeeID
	hold, err := domain.NewHold(domain.HoldParams{
		Type:        domain.TransactionTypeTransfer,
		PayerID:     req.PayerID,
		PayeeID:     &payeeID,
		Amount:      req.Amount,
		ProjectID:   req.ProjectID,
		MilestoneID: nonEmpty(req.MilestoneID),
		Description: req.Description,
	}, s.now())
	if err != nil {
		return nil, err
	}
	released, _, err := hold.Apply(domain.EventInput{Type: domain.EventReleased, Details: req.Description}, s.now())
	if err != nil {
		return nil, err
	}

	holdDelta := domain.Delta{Balance: req.Amount.Neg(), Held: req.Amount}
	releaseDelta := domain.Delta{Held: req.Amount.Neg(), Spent: req.Amount}

	err = s.runInTx(ctx, "transfer funds", func(q repository.DBExecutor) error {
		if err := s.lockWallets(ctx, q, req.PayerID, req.PayeeID); err != nil {
			return fmt.Errorf("transfer funds: %w", err)
		}
		payer, err := s.walletRepo.ApplyDelta(ctx, q, req.PayerID, holdDelta.Add(releaseDelta))
		if err != nil {
			return fmt.Errorf("transfer funds: failed to debit wallet %s: %w", req.PayerID, err)
		}
		payee, err := s.walletRepo.ApplyDelta(ctx, q, req.PayeeID, domain.Delta{Balance: req.Amount, Earned: req.Amount})
		if err != nil {
			return fmt.Errorf("transfer funds: failed to pay wallet %s: %w", req.PayeeID, err)
		}
		if err := s.transactionRepo.Create(ctx, q, &released); err != nil {
			return fmt.Errorf("transfer funds: failed to create transaction: %w", err)
		}
		receipt = &Receipt{Transaction: &released, Payer: payer, Payee: payee}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transaction_id", released.ID.String()).Str("payer_id", req.PayerID).
		Str("payee_id", req.PayeeID).Str("amount", req.Amount.String()).Msg("funds transferred")
	return receipt, nil
}

// GetWallet returns the user's wallet, creating an empty one on first access.
func (s *ledgerService) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	wallet, err := s.walletRepo.GetOrCreate(ctx, s.dbExecutor, userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: failed to get wallet %s: %w", userID, err)
	}
	return wallet, nil
}

// GetWalletStats aggregates reporting figures for the user's wallet.
func (s *ledgerService) GetWalletStats(ctx context.Context, userID string) (*domain.WalletStats, error) {
	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	holds, err := s.transactionRepo.OpenHolds(ctx, s.dbExecutor, userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet stats: failed to list open holds: %w", err)
	}
	openAmount := decimal.Zero
	for _, h := range holds {
		openAmount = openAmount.Add(h.Amount)
	}

	// Limit 0 returns only the total count.
	_, total, err := s.transactionRepo.ListForUser(ctx, s.dbExecutor, userID, repository.TransactionFilter{})
	if err != nil {
		return nil, fmt.Errorf("get wallet stats: failed to count transactions: %w", err)
	}

	return &domain.WalletStats{
		UserID:           wallet.UserID,
		Balance:          wallet.Balance,
		HeldBalance:      wallet.HeldBalance,
		TotalEarned:      wallet.TotalEarned,
		TotalSpent:       wallet.TotalSpent,
		OpenHolds:        int64(len(holds)),
		OpenHoldAmount:   openAmount,
		TransactionCount: total,
	}, nil
}

// ListTransactions retrieves a paginated, filtered list of the user's transactions.
func (s *ledgerService) ListTransactions(ctx context.Context, userID string, filter repository.TransactionFilter) ([]domain.Transaction, int64, error) {
	if err := requireUser(userID); err != nil {
		return nil, 0, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset must not be negative", util.ErrInvalidInput)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", util.ErrInvalidInput, filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown type %q", util.ErrInvalidInput, filter.Type)
	}

	transactions, total, err := s.transactionRepo.ListForUser(ctx, s.dbExecutor, userID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve transaction history: %w", err)
	}
	return transactions, total, nil
}

// GetTransaction returns one record with its event history.
func (s *ledgerService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	transaction, err := s.transactionRepo.GetByID(ctx, s.dbExecutor, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return transaction, nil
}

// ReconcileWallet replays the user's transaction log and compares the result
// with the stored wallet. The wallet row is locked so no operation on this
// user can land between the two reads.
func (s *ledgerService) ReconcileWallet(ctx context.Context, userID string) (result *domain.Reconciliation, err error) {
	ctx, span := s.startSpan(ctx, "ReconcileWallet", attribute.String("ledger.user_id", userID))
	defer func() { endSpan(span, err) }()

	if err := requireUser(userID); err != nil {
		return nil, err
	}

	err = s.runInTx(ctx, "reconcile wallet", func(q repository.DBExecutor) error {
		// an audit must not create the wallet it audits
		if _, err := s.walletRepo.GetByUserID(ctx, q, userID); err != nil {
			return fmt.Errorf("reconcile wallet: %w", err)
		}
		wallet, err := s.walletRepo.LockForUpdate(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("reconcile wallet: %w", err)
		}
		history, err := s.transactionRepo.ListAllForUser(ctx, q, userID)
		if err != nil {
			return fmt.Errorf("reconcile wallet: %w", err)
		}
		stored := domain.FiguresOf(*wallet)
		replayed := domain.ReplayFigures(userID, history)
		result = &domain.Reconciliation{
			UserID:     userID,
			Stored:     stored,
			Replayed:   replayed,
			Consistent: stored.Equal(replayed),
			CheckedAt:  s.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Consistent {
		s.logger.Error().Str("user_id", userID).
			Interface("stored", result.Stored).Interface("replayed", result.Replayed).
			Msg("wallet does not reconcile with its transaction log")
	}
	return result, nil
}

// runInTx executes fn inside one database transaction and commits it. On
// StorageConflict the whole unit is retried from scratch with linear backoff;
// any other error is returned as is.
func (s *ledgerService) runInTx(ctx context.Context, op string, fn func(q repository.DBExecutor) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug().Str("op", op).Int("attempt", attempt).Err(lastErr).Msg("retrying after storage conflict")
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
		}

		lastErr = s.attempt(ctx, op, fn)
		if lastErr == nil {
			return nil
		}
		if !util.IsRetryable(lastErr) {
			return lastErr
		}
	}

	s.logger.Warn().Str("op", op).Int("attempts", s.maxRetries+1).Err(lastErr).Msg("storage conflict retries exhausted")
	return fmt.Errorf("%s: %w after %d attempts (last: %v)", op, util.ErrConflictRetriesExhausted, s.maxRetries+1, lastErr)
}

func (s *ledgerService) attempt(ctx context.Context, op string, fn func(q repository.DBExecutor) error) error {
	txController, err := s.beginTx(ctx, s.dbBeginner)
	if err != nil {
		return conflictOr(fmt.Sprintf("%s: failed to begin transaction", op), err)
	}
	defer s.rollbackTx(txController)

	txExecutor, ok := txController.(repository.DBExecutor)
	if !ok {
		return fmt.Errorf("%s: transaction controller does not implement DBExecutor", op)
	}

	if err := fn(txExecutor); err != nil {
		return err
	}

	if err := s.commitTx(txController); err != nil {
		return conflictOr(fmt.Sprintf("%s: failed to commit transaction", op), err)
	}
	return nil
}

// lockWallets locks the wallets of the given users in lexicographic order.
// Every multi-wallet operation goes through here so lock order never depends
// on call order.
func (s *ledgerService) lockWallets(ctx context.Context, q repository.DBExecutor, userIDs ...string) error {
	ids := make([]string, 0, len(userIDs))
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := s.walletRepo.LockForUpdate(ctx, q, id); err != nil {
			return fmt.Errorf("failed to lock wallet %s: %w", id, err)
		}
	}
	return nil
}

func (s *ledgerService) validateFees(fees domain.Fees) error {
	if err := domain.ValidateFee(fees.PlatformFee, s.scale); err != nil {
		return err
	}
	return domain.ValidateFee(fees.ProcessingFee, s.scale)
}

func (s *ledgerService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attrs...))
}

// amountAttr never formats an out-of-range amount, since String expands the
// exponent into digits.
func amountAttr(amount decimal.Decimal) attribute.KeyValue {
	if domain.ValidateMagnitude(amount) != nil {
		return attribute.String("ledger.amount", "out of range")
	}
	return attribute.String("ledger.amount", amount.String())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// conflictOr tags driver-level contention as util.ErrStorageConflict.
func conflictOr(msg string, err error) error {
	if db.IsConflict(err) {
		return fmt.Errorf("%s: %w: %v", msg, util.ErrStorageConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", util.ErrInvalidInput)
	}
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
