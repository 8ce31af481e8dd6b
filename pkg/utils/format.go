// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatMoney formats an amount with thousands separators and two decimals,
// prefixed with the currency symbol for USD or suffixed with the code otherwise.
func FormatMoney(amount float64, currency string) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	result := groupThousands(parts[0]) + "." + parts[1]

	if currency == "" || currency == "USD" {
		result = "$" + result
	} else {
		result = result + " " + currency
	}
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPnL formats profit or loss with an explicit sign.
func FormatPnL(pnl float64) string {
	if pnl > 0 {
		return "+" + FormatMoney(pnl, "USD")
	}
	return FormatMoney(pnl, "USD")
}

// FormatLots formats a volume in lots without trailing zeros.
func FormatLots(volume float64) string {
	return strconv.FormatFloat(volume, 'f', -1, 64) + " lots"
}

// FormatPrice formats a price with the symbol's number of digits.
// Negative digits fall back to five decimals.
func FormatPrice(price float64, digits int) string {
	if digits < 0 {
		digits = 5
	}
	return strconv.FormatFloat(price, 'f', digits, 64)
}
