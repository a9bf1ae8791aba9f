// internal/domain/money.go
package domain

import (
	"fmt"

	"github.com/shopspring/decimal" // For precise monetary calculations

	"escrow-ledger/internal/util"
)

// DefaultAmountScale is the number of decimal places of the smallest currency unit.
const DefaultAmountScale int32 = 2

// MaxIntegerDigits bounds the integer part of any amount. Stored columns are
// NUMERIC(20,4).
const MaxIntegerDigits = 16

// maxFractionDigits bounds the written fraction, trailing zeros included.
const maxFractionDigits = 18

// ValidateMagnitude rejects values whose integer part or written fraction is
// too long. It only inspects the coefficient length and exponent, so it is
// safe to call before formatting or rescaling untrusted input.
func ValidateMagnitude(d decimal.Decimal) error {
	exp := d.Exponent()
	if exp < -maxFractionDigits {
		return fmt.Errorf("%w: amount has more than %d decimal places", util.ErrInvalidAmount, maxFractionDigits)
	}
	if int64(d.NumDigits())+int64(exp) > MaxIntegerDigits {
		return fmt.Errorf("%w: amount has more than %d integer digits", util.ErrInvalidAmount, MaxIntegerDigits)
	}
	return nil
}

// ValidateAmount checks that amount is strictly positive and representable in
// whole minimum units at the given scale.
func ValidateAmount(amount decimal.Decimal, scale int32) error {
	if err := ValidateMagnitude(amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero, got %s", util.ErrInvalidAmount, amount.String())
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return fmt.Errorf("%w: amount %s is finer than %d decimal places", util.ErrInvalidAmount, amount.String(), scale)
	}
	return nil
}

// ValidateFee checks an optional fee. Fees may be zero but never negative.
func ValidateFee(fee decimal.NullDecimal, scale int32) error {
	if !fee.Valid {
		return nil
	}
	if err := ValidateMagnitude(fee.Decimal); err != nil {
		return err
	}
	if fee.Decimal.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", util.ErrInvalidAmount)
	}
	if !fee.Decimal.Equal(fee.Decimal.Truncate(scale)) {
		return fmt.Errorf("%w: fee %s is finer than %d decimal places", util.ErrInvalidAmount, fee.Decimal.String(), scale)
	}
	return nil
}
