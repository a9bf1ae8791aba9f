// internal/service/requests.go
package service

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrow-ledger/internal/domain"
)

// HoldRequest escrows funds from the payer's spendable balance.
type HoldRequest struct {
	PayerID     string
	PayeeID     *string // may be unknown until release
	Amount      decimal.Decimal
	ProjectID   string
	MilestoneID *string
	Description string
	Fees        domain.Fees
}

// ReleaseRequest pays a held transaction out to its payee.
type ReleaseRequest struct {
	TransactionID uuid.UUID
	PayeeID       *string // assigns the payee when it was unknown at hold time
	Description   string
}

// RemainderPolicy decides what happens to the unrefunded part of a partial refund.
type RemainderPolicy string

const (
	RemainderHold    RemainderPolicy = "hold"    // stays escrowed in a child record
	RemainderRelease RemainderPolicy = "release" // paid out to the payee in the same unit
)

// Valid reports whether p is a known policy.
func (p RemainderPolicy) Valid() bool {
	return p == RemainderHold || p == RemainderRelease
}

// RefundRequest returns held funds to the payer. A zero Amount refunds
// everything; a smaller Amount requires an explicit Remainder policy.
type RefundRequest struct {
	TransactionID uuid.UUID
	Description   string
	Amount        decimal.Decimal
	Remainder     RemainderPolicy
	PayeeID       *string // payee of a released remainder
}

// TransferRequest pays the payee immediately, recorded as a hold plus a release.
type TransferRequest struct {
	PayerID     string
	PayeeID     string
	Amount      decimal.Decimal
	ProjectID   string
	MilestoneID *string
	Description string
}

// Receipt is the outcome of an escrow operation: the affected record and the
// resulting state of every wallet it touched.
type Receipt struct {
	Transaction *domain.Transaction `json:"transaction"`
	Payer       *domain.Wallet      `json:"payer_wallet"`
	Payee       *domain.Wallet      `json:"payee_wallet,omitempty"`
	// Remainder is the child record carrying the unrefunded part of a partial refund.
	Remainder *domain.Transaction `json:"remainder,omitempty"`
}
