package models

import "time"

// Position represents an open position on the terminal.
type Position struct {
	Ticket       uint64    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"type"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment"`
	OpenTime     time.Time `json:"time"`
}

// PendingOrder represents a resting order that has not been triggered.
type PendingOrder struct {
	Ticket     uint64      `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Type       PendingType `json:"type"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price_open"`
	StopLoss   float64     `json:"sl"`
	TakeProfit float64     `json:"tp"`
	Magic      int64       `json:"magic"`
	Comment    string      `json:"comment"`
	Expiry     *time.Time  `json:"expiry,omitempty"`
	SetupTime  time.Time   `json:"time_setup"`
}

// ModifyRequest carries new protective levels for a position.
// A nil field keeps the current level; a zero value removes it.
type ModifyRequest struct {
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
}

// Empty reports whether neither level was specified.
func (m ModifyRequest) Empty() bool {
	return m.StopLoss == nil && m.TakeProfit == nil
}

// Target returns the SL and TP the position should carry after applying m.
func (m ModifyRequest) Target(p Position) (sl, tp float64) {
	sl, tp = p.StopLoss, p.TakeProfit
	if m.StopLoss != nil {
		sl = *m.StopLoss
	}
	if m.TakeProfit != nil {
		tp = *m.TakeProfit
	}
	return sl, tp
}

// PendingOrderRequest is a trade intent that rests at Price until triggered.
type PendingOrderRequest struct {
	TradeIntent
	Type  PendingType `json:"type"`
	Price float64     `json:"price"`
}
