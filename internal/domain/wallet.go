// internal/domain/wallet.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal" // For precise monetary calculations

	"escrow-ledger/internal/util"
)

// Wallet represents a user's spendable and escrowed funds. One wallet per user.
type Wallet struct {
	UserID      string          `db:"user_id" json:"user_id"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`           // spendable by the owner
	HeldBalance decimal.Decimal `db:"held_balance" json:"held_balance"` // escrowed against open holds
	TotalEarned decimal.Decimal `db:"total_earned" json:"total_earned"`
	TotalSpent  decimal.Decimal `db:"total_spent" json:"total_spent"`
	Version     int64           `db:"version" json:"-"` // optimistic concurrency token
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// NewWallet creates a zero-balance wallet for userID.
func NewWallet(userID string) *Wallet {
	now := time.Now().UTC()
	return &Wallet{
		UserID:      userID,
		Balance:     decimal.Zero,
		HeldBalance: decimal.Zero,
		TotalEarned: decimal.Zero,
		TotalSpent:  decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Delta is a signed change to a wallet. Earned and Spent are lifetime
// counters and may only grow.
type Delta struct {
	Balance decimal.Decimal
	Held    decimal.Decimal
	Earned  decimal.Decimal
	Spent   decimal.Decimal
}

// IsZero reports whether applying d would change nothing.
func (d Delta) IsZero() bool {
	return d.Balance.IsZero() && d.Held.IsZero() && d.Earned.IsZero() && d.Spent.IsZero()
}

// Add combines two deltas.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Balance: d.Balance.Add(o.Balance),
		Held:    d.Held.Add(o.Held),
		Earned:  d.Earned.Add(o.Earned),
		Spent:   d.Spent.Add(o.Spent),
	}
}

// Apply returns the wallet that results from adding d, or ErrInsufficientFunds
// if balance or held balance would go negative. w itself is never modified.
func (w Wallet) Apply(d Delta, at time.Time) (Wallet, error) {
	if d.Earned.IsNegative() || d.Spent.IsNegative() {
		return w, fmt.Errorf("%w: lifetime counters cannot decrease", util.ErrInvalidAmount)
	}

	next := w
	next.Balance = w.Balance.Add(d.Balance)
	next.HeldBalance = w.HeldBalance.Add(d.Held)
	next.TotalEarned = w.TotalEarned.Add(d.Earned)
	next.TotalSpent = w.TotalSpent.Add(d.Spent)

	if next.Balance.IsNegative() {
		return w, fmt.Errorf("%w: wallet %s balance %s cannot cover %s",
			util.ErrInsufficientFunds, w.UserID, w.Balance.String(), d.Balance.Neg().String())
	}
	if next.HeldBalance.IsNegative() {
		return w, fmt.Errorf("%w: wallet %s held balance %s cannot cover %s",
			util.ErrInsufficientFunds, w.UserID, w.HeldBalance.String(), d.Held.Neg().String())
	}

	next.Version = w.Version + 1
	next.UpdatedAt = at.UTC()
	return next, nil
}

// WalletStats aggregates reporting figures for a wallet.
type WalletStats struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	HeldBalance      decimal.Decimal `json:"held_balance"`
	TotalEarned      decimal.Decimal `json:"total_earned"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	OpenHolds        int64           `json:"open_holds"`
	OpenHoldAmount   decimal.Decimal `json:"open_hold_amount"`
	TransactionCount int64           `json:"transaction_count"`
}

// Reconciliation compares a stored wallet against the figures replayed from
// its transaction log.
type Reconciliation struct {
	UserID     string    `json:"user_id"`
	Stored     Figures   `json:"stored"`
	Replayed   Figures   `json:"replayed"`
	Consistent bool      `json:"consistent"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Figures are the four balance-like quantities of a wallet.
type Figures struct {
	Balance     decimal.Decimal `json:"balance"`
	HeldBalance decimal.Decimal `json:"held_balance"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

// FiguresOf extracts the balance figures of w.
func FiguresOf(w Wallet) Figures {
	return Figures{
		Balance:     w.Balance,
		HeldBalance: w.HeldBalance,
		TotalEarned: w.TotalEarned,
		TotalSpent:  w.TotalSpent,
	}
}

// Equal compares figures by value, ignoring representation.
func (f Figures) Equal(o Figures) bool {
	return f.Balance.Equal(o.Balance) &&
		f.HeldBalance.Equal(o.HeldBalance) &&
		f.TotalEarned.Equal(o.TotalEarned) &&
		f.TotalSpent.Equal(o.TotalSpent)
}
