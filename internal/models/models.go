// Package models provides domain models for the trading application.
package models

import "time"

// Side represents the direction of a market order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PendingType represents the kind of a resting order.
type PendingType string

const (
	PendingBuyLimit  PendingType = "BUY_LIMIT"
	PendingSellLimit PendingType = "SELL_LIMIT"
	PendingBuyStop   PendingType = "BUY_STOP"
	PendingSellStop  PendingType = "SELL_STOP"
)

// Valid reports whether t is a known pending order type.
func (t PendingType) Valid() bool {
	switch t {
	case PendingBuyLimit, PendingSellLimit, PendingBuyStop, PendingSellStop:
		return true
	}
	return false
}

// Side returns the direction the order opens once triggered.
func (t PendingType) Side() Side {
	if t == PendingBuyLimit || t == PendingBuyStop {
		return SideBuy
	}
	return SideSell
}

// Quote is the latest tick for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last,omitempty"`
	Time   time.Time `json:"time"`
}

// Usable reports whether both sides of the quote are populated.
func (q *Quote) Usable() bool {
	return q != nil && q.Bid > 0 && q.Ask > 0
}

// PriceFor returns the price an order on side executes against.
func (q *Quote) PriceFor(side Side) float64 {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// SymbolInfo holds the trading constraints of a symbol.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Description  string  `json:"description,omitempty"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	ContractSize float64 `json:"contract_size"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	TradeAllowed bool    `json:"trade_allowed"`
}

// AccountInfo summarizes the trading account.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Server     string  `json:"server"`
	Currency   string  `json:"currency"`
	Leverage   int     `json:"leverage"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Profit     float64 `json:"profit"`
}
