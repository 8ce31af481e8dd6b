package utils

import "testing"

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		amount   float64
		currency string
		want     string
	}{
		{0, "USD", "$0.00"},
		{500, "USD", "$500.00"},
		{1234567.891, "USD", "$1,234,567.89"},
		{-1500.5, "", "-$1,500.50"},
		{1000, "EUR", "1,000.00 EUR"},
	}
	for _, c := range cases {
		if got := FormatMoney(c.amount, c.currency); got != c.want {
			t.Errorf("FormatMoney(%v, %q) = %q, want %q", c.amount, c.currency, got, c.want)
		}
	}
}

func TestFormatPnLAndLots(t *testing.T) {
	if got := FormatPnL(12.5); got != "+$12.50" {
		t.Errorf("FormatPnL(12.5) = %q", got)
	}
	if got := FormatPnL(-3); got != "-$3.00" {
		t.Errorf("FormatPnL(-3) = %q", got)
	}
	if got := FormatLots(0.10); got != "0.1 lots" {
		t.Errorf("FormatLots(0.10) = %q", got)
	}
	if got := FormatPrice(1.1, 5); got != "1.10000" {
		t.Errorf("FormatPrice = %q", got)
	}
}
