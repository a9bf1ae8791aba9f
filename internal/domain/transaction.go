// internal/domain/transaction.go
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal" // For precise monetary calculations

	"escrow-ledger/internal/util"
)

// TransactionType defines the kind of ledger record.
type TransactionType string

const (
	TransactionTypeCredit   TransactionType = "credit"   // external top-up, history only
	TransactionTypeDebit    TransactionType = "debit"    // external cash-out, history only
	TransactionTypeEscrow   TransactionType = "escrow"   // hold awaiting release or refund
	TransactionTypeTransfer TransactionType = "transfer" // hold released in the same unit
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeCredit, TransactionTypeDebit, TransactionTypeEscrow, TransactionTypeTransfer:
		return true
	}
	return false
}

// Escrowed reports whether records of this type follow the hold state machine.
func (t TransactionType) Escrowed() bool {
	return t == TransactionTypeEscrow || t == TransactionTypeTransfer
}

// TransactionStatus defines where a record sits in its lifecycle.
type TransactionStatus string

const (
	TransactionStatusHeld     TransactionStatus = "held"
	TransactionStatusReleased TransactionStatus = "released"
	TransactionStatusRefunded TransactionStatus = "refunded"
	// TransactionStatusCompleted marks credit/debit history records, which
	// never enter the hold state machine.
	TransactionStatusCompleted TransactionStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusHeld, TransactionStatusReleased, TransactionStatusRefunded, TransactionStatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusHeld
}

// EventType is the kind of an audit event.
type EventType string

const (
	EventHeld     EventType = "held"
	EventReleased EventType = "released"
	EventRefunded EventType = "refunded"
	EventCredited EventType = "credited"
	EventDebited  EventType = "debited"
)

// Event is one append-only audit entry of a transaction.
type Event struct {
	TransactionID uuid.UUID       `db:"transaction_id" json:"-"`
	Seq           int             `db:"seq" json:"seq"`
	Type          EventType       `db:"type" json:"type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"` // funds moved by this event
	Details       string          `db:"details" json:"details"`
	CreatedAt     time.Time       `db:"created_at" json:"timestamp"`
}

// Transaction is a ledger record. Amount, parties and references are fixed at
// creation; only Status, Payee (assigned at release) and Events change.
type Transaction struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	Type          TransactionType     `db:"type" json:"type"`
	Status        TransactionStatus   `db:"status" json:"status"`
	PayerID       *string             `db:"payer_id" json:"payer_id,omitempty"`
	PayeeID       *string             `db:"payee_id" json:"payee_id,omitempty"`
	Amount        decimal.Decimal     `db:"amount" json:"amount"` // gross, fees are not deducted
	ProjectID     *string             `db:"project_id" json:"project_id,omitempty"`
	MilestoneID   *string             `db:"milestone_id" json:"milestone_id,omitempty"`
	ParentID      uuid.NullUUID       `db:"parent_id" json:"parent_id"`
	Description   string              `db:"description" json:"description"`
	PlatformFee   decimal.NullDecimal `db:"platform_fee" json:"platform_fee"`
	ProcessingFee decimal.NullDecimal `db:"processing_fee" json:"processing_fee"`
	Version       int64               `db:"version" json:"-"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
	Events        []Event             `db:"-" json:"events"`
}

// Fees is the informational fee breakdown of an escrow record.
type Fees struct {
	PlatformFee   decimal.NullDecimal `json:"platform_fee"`
	ProcessingFee decimal.NullDecimal `json:"processing_fee"`
}

// HoldParams describes a new escrow record.
type HoldParams struct {
	Type        TransactionType // escrow or transfer
	PayerID     string
	PayeeID     *string
	Amount      decimal.Decimal
	ProjectID   string
	MilestoneID *string
	ParentID    uuid.NullUUID
	Description string
	Fees        Fees
}

// NewTransactionID returns a time-ordered identifier.
func NewTransactionID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewHold builds an escrow record in status held with its single held event.
func NewHold(p HoldParams, at time.Time) (*Transaction, error) {
	if !p.Type.Escrowed() {
		return nil, fmt.Errorf("%w: %s records cannot be held", util.ErrInvalidInput, p.Type)
	}
	if strings.TrimSpace(p.PayerID) == "" {
		return nil, fmt.Errorf("%w: payer is required", util.ErrInvalidInput)
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, fmt.Errorf("%w: project is required", util.ErrInvalidInput)
	}
	if p.PayeeID != nil && *p.PayeeID == p.PayerID {
		return nil, util.ErrSameParty
	}
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", util.ErrInvalidAmount)
	}

	at = at.UTC()
	payer := p.PayerID
	project := p.ProjectID
	t := &Transaction{
		ID:            NewTransactionID(),
		Type:          p.Type,
		Status:        TransactionStatusHeld,
		PayerID:       &payer,
		PayeeID:       p.PayeeID,
		Amount:        p.Amount,
		ProjectID:     &project,
		MilestoneID:   p.MilestoneID,
		ParentID:      p.ParentID,
		Description:   p.Description,
		PlatformFee:   p.Fees.PlatformFee,
		ProcessingFee: p.Fees.ProcessingFee,
		Version:       1,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	t.Events = []Event{{
		TransactionID: t.ID,
		Seq:           1,
		Type:          EventHeld,
		Amount:        p.Amount,
		Details:       p.Description,
		CreatedAt:     at,
	}}
	return t, nil
}

// NewCredit builds the history record of an external top-up.
func NewCredit(userID string, amount decimal.Decimal, description string, at time.Time) *Transaction {
	return newHistoryRecord(TransactionTypeCredit, nil, &userID, amount, description, EventCredited, at)
}

// NewDebit builds the history record of an external cash-out.
func NewDebit(userID string, amount decimal.Decimal, description string, at time.Time) *Transaction {
	return newHistoryRecord(TransactionTypeDebit, &userID, nil, amount, description, EventDebited, at)
}

func newHistoryRecord(txType TransactionType, payer, payee *string, amount decimal.Decimal, description string, ev EventType, at time.Time) *Transaction {
	at = at.UTC()
	t := &Transaction{
		ID:          NewTransactionID(),
		Type:        txType,
		Status:      TransactionStatusCompleted,
		PayerID:     payer,
		PayeeID:     payee,
		Amount:      amount,
		Description: description,
		Version:     1,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	t.Events = []Event{{
		TransactionID: t.ID,
		Seq:           1,
		Type:          ev,
		Amount:        amount,
		Details:       description,
		CreatedAt:     at,
	}}
	return t
}

// EventInput requests a state transition.
type EventInput struct {
	Type    EventType
	Details string
	// Amount is the refunded portion for refunded events. Zero means the
	// whole amount. Ignored for released events.
	Amount decimal.Decimal
	// PayeeID assigns or confirms the payee on release.
	PayeeID *string
}

// Apply returns the transaction after the requested transition together with
// the event it appends. t itself is never modified.
//
// Legal transitions are held -> released and held -> refunded.
func (t Transaction) Apply(in EventInput, at time.Time) (Transaction, Event, error) {
	if !t.Type.Escrowed() {
		return t, Event{}, fmt.Errorf("%w: %s record %s was never held", util.ErrTransactionNotHeld, t.Type, t.ID)
	}
	if t.Status.Terminal() {
		return t, Event{}, util.TerminalTransitionError(string(t.Status))
	}

	next := t
	ev := Event{
		TransactionID: t.ID,
		Seq:           len(t.Events) + 1,
		Type:          in.Type,
		Details:       in.Details,
		CreatedAt:     at.UTC(),
	}

	switch in.Type {
	case EventReleased:
		payee, err := t.resolvePayee(in.PayeeID)
		if err != nil {
			return t, Event{}, err
		}
		next.PayeeID = &payee
		next.Status = TransactionStatusReleased
		ev.Amount = t.Amount
	case EventRefunded:
		amount := in.Amount
		if amount.IsZero() {
			amount = t.Amount
		}
		if !amount.IsPositive() || amount.GreaterThan(t.Amount) {
			return t, Event{}, fmt.Errorf("%w: refund %s outside (0, %s]", util.ErrInvalidAmount, amount.String(), t.Amount.String())
		}
		next.Status = TransactionStatusRefunded
		ev.Amount = amount
	default:
		return t, Event{}, fmt.Errorf("%w: cannot apply %q to a held transaction", util.ErrInvalidTransition, in.Type)
	}

	events := make([]Event, len(t.Events), len(t.Events)+1)
	copy(events, t.Events)
	next.Events = append(events, ev)
	next.Version = t.Version + 1
	next.UpdatedAt = ev.CreatedAt
	return next, ev, nil
}

func (t Transaction) resolvePayee(requested *string) (string, error) {
	var payee string
	switch {
	case t.PayeeID != nil && requested != nil && *requested != "" && *requested != *t.PayeeID:
		return "", fmt.Errorf("%w: transaction %s is payable to %s", util.ErrPayeeMismatch, t.ID, *t.PayeeID)
	case t.PayeeID != nil:
		payee = *t.PayeeID
	case requested != nil && strings.TrimSpace(*requested) != "":
		payee = *requested
	default:
		return "", fmt.Errorf("%w: payee is required to release transaction %s", util.ErrInvalidInput, t.ID)
	}
	if t.PayerID != nil && *t.PayerID == payee {
		return "", util.ErrSameParty
	}
	return payee, nil
}

// Payer returns the payer id or "".
func (t Transaction) Payer() string {
	if t.PayerID == nil {
		return ""
	}
	return *t.PayerID
}

// Payee returns the payee id or "".
func (t Transaction) Payee() string {
	if t.PayeeID == nil {
		return ""
	}
	return *t.PayeeID
}

// ReplayFigures recomputes the balance figures of userID from its records.
// Every event carries the amount it moved, so the replay needs no wallet state.
func ReplayFigures(userID string, txs []Transaction) Figures {
	f := Figures{
		Balance:     decimal.Zero,
		HeldBalance: decimal.Zero,
		TotalEarned: decimal.Zero,
		TotalSpent:  decimal.Zero,
	}
	for _, t := range txs {
		isPayer := t.Payer() == userID
		isPayee := t.Payee() == userID

		switch t.Type {
		case TransactionTypeCredit:
			if isPayee {
				f.Balance = f.Balance.Add(t.Amount)
			}
		case TransactionTypeDebit:
			if isPayer {
				f.Balance = f.Balance.Sub(t.Amount)
			}
		case TransactionTypeEscrow, TransactionTypeTransfer:
			for _, ev := range t.Events {
				switch ev.Type {
				case EventHeld:
					if !isPayer {
						continue
					}
					// Remainders of a partial refund are carved out of the parent's hold.
					if !t.ParentID.Valid {
						f.Balance = f.Balance.Sub(ev.Amount)
					}
					f.HeldBalance = f.HeldBalance.Add(ev.Amount)
				case EventReleased:
					if isPayer {
						f.HeldBalance = f.HeldBalance.Sub(ev.Amount)
						f.TotalSpent = f.TotalSpent.Add(ev.Amount)
					}
					if isPayee {
						f.Balance = f.Balance.Add(ev.Amount)
						f.TotalEarned = f.TotalEarned.Add(ev.Amount)
					}
				case EventRefunded:
					if isPayer {
						f.HeldBalance = f.HeldBalance.Sub(t.Amount)
						f.Balance = f.Balance.Add(ev.Amount)
					}
				}
			}
		}
	}
	return f
}
