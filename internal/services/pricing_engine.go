package services

import (
	"fmt"
	"math"
)

// ComputeTotal sums the line prices and applies a percentage discount rounded half up.
// The discount never exceeds the subtotal, so the total is never negative.
func ComputeTotal(items []CartLineItem, discountPercent int) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, ErrEmptyCart
	}
	if discountPercent < 0 || discountPercent > 100 {
		return Totals{}, FieldErrors{"discountPercent": fmt.Sprintf("must be between 0 and 100, got %d", discountPercent)}
	}

	var subtotal int64
	for i, item := range items {
		if item.Price < 0 {
			return Totals{}, FieldErrors{fmt.Sprintf("items[%d].price", i): "must not be negative"}
		}
		if subtotal > math.MaxInt64-item.Price {
			return Totals{}, validationError("subtotal overflows")
		}
		subtotal += item.Price
	}

	pct := int64(discountPercent)
	if pct > 0 && subtotal > (math.MaxInt64-50)/pct {
		return Totals{}, validationError("discount overflows")
	}
	discount := (subtotal*pct + 50) / 100
	if discount > subtotal {
		discount = subtotal
	}
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Total:    subtotal - discount,
	}, nil
}
