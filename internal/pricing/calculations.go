// Package pricing derives line-item subtotals and transaction totals.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places kept for currency amounts.
const MinorUnits int32 = 2

var (
	// ErrInvalidQuantity indicates a line quantity below one unit.
	ErrInvalidQuantity = errors.New("pricing: quantity must be at least 1")
	// ErrInvalidPrice indicates a unit price outside its allowed domain.
	ErrInvalidPrice = errors.New("pricing: unit price out of range")
)

// SaleSubtotal computes quantity x selling price. Sales need a positive price.
func SaleSubtotal(quantity int64, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity < 1 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if !unitPrice.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	return Extend(quantity, unitPrice), nil
}

// PurchaseSubtotal computes quantity x unit cost. Zero cost is allowed.
func PurchaseSubtotal(quantity int64, unitCost decimal.Decimal) (decimal.Decimal, error) {
	if quantity < 1 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if unitCost.IsNegative() {
		return decimal.Zero, ErrInvalidPrice
	}
	return Extend(quantity, unitCost), nil
}

// Extend multiplies quantity by price and rounds once to minor units.
func Extend(quantity int64, price decimal.Decimal) decimal.Decimal {
	return Round(price.Mul(decimal.NewFromInt(quantity)))
}

// Round rounds half-up to MinorUnits. Amounts reaching here are never
// negative, so half-away-from-zero and half-up agree.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnits)
}

// Total sums already rounded subtotals without re-rounding the result.
func Total(subtotals ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, s := range subtotals {
		total = total.Add(s)
	}
	return total
}
