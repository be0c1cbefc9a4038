package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// WalletUnitFactor is the ratio between wallet gateway sub-units and storefront minor units.
const WalletUnitFactor = 10

// ToWalletUnits converts a storefront amount (cents-like) into the wallet gateway's finer sub-unit.
func ToWalletUnits(amount int64) int64 {
	return amount * WalletUnitFactor
}

// FromWalletUnits converts a wallet gateway amount back to storefront minor units.
// The second return value is false when the amount is not a whole number of minor units.
func FromWalletUnits(amount int64) (int64, bool) {
	return amount / WalletUnitFactor, amount%WalletUnitFactor == 0
}

// FormatAmount renders minor units as a major-unit string, e.g. 3600 USD -> "36.00 USD".
func FormatAmount(amount int64, currency string) string {
	value := decimal.New(amount, -2).StringFixed(2)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return value
	}
	return value + " " + currency
}

// OrderLinesFromCart snapshots cart items into order lines.
func OrderLinesFromCart(items []CartLineItem) []OrderLineItem {
	lines := make([]OrderLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
		})
	}
	return lines
}
