package models

import "time"

// TradeIntent is a caller's request to open a market position.
// Exactly one of Volume and Amount is set; Amount is converted into
// CalculatedVolume before the order is submitted.
type TradeIntent struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"order_type"`
	Volume     float64    `json:"volume,omitempty"`
	Amount     float64    `json:"amount,omitempty"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	Expiry     *time.Time `json:"expiry,omitempty"`

	CalculatedVolume float64 `json:"-"`
}

// AmountBased reports whether the intent is sized in deposit currency.
func (i *TradeIntent) AmountBased() bool {
	return i.Amount > 0
}

// TargetVolume returns the lot size the resulting position must carry.
func (i *TradeIntent) TargetVolume() float64 {
	if i.AmountBased() {
		return i.CalculatedVolume
	}
	return i.Volume
}

// TradeStatus is the terminal status of a trade operation.
type TradeStatus string

const (
	StatusSuccess TradeStatus = "success"
	StatusError   TradeStatus = "error"
)

// TradeResult is the outcome reported to callers for every trade operation.
type TradeResult struct {
	Ticket   uint64      `json:"order_id"`
	Status   TradeStatus `json:"status"`
	Message  string      `json:"message"`
	Symbol   string      `json:"symbol,omitempty"`
	Profit   *float64    `json:"profit,omitempty"`
	Code     string      `json:"code,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(ticket uint64, symbol, message string) TradeResult {
	return TradeResult{Ticket: ticket, Status: StatusSuccess, Message: message, Symbol: symbol}
}

// Failed builds an error result carrying a machine-readable code.
func Failed(code, message string) TradeResult {
	return TradeResult{Status: StatusError, Message: message, Code: code}
}

// OK reports whether the operation succeeded.
func (r TradeResult) OK() bool {
	return r.Status == StatusSuccess
}

// WithProfit returns a copy of r carrying realized profit.
func (r TradeResult) WithProfit(p float64) TradeResult {
	r.Profit = &p
	return r
}

// Operation names a trade operation for logs, journal entries and events.
type Operation string

const (
	OpOpen          Operation = "open"
	OpClose         Operation = "close"
	OpCloseAll      Operation = "close_all"
	OpModify        Operation = "modify"
	OpHedge         Operation = "hedge"
	OpPendingPlace  Operation = "pending_place"
	OpPendingCancel Operation = "pending_cancel"
)

// TradeEvent describes a finished trade operation.
type TradeEvent struct {
	CallID    string        `json:"call_id"`
	Operation Operation     `json:"operation"`
	Symbol    string        `json:"symbol,omitempty"`
	Intent    *TradeIntent  `json:"intent,omitempty"`
	Results   []TradeResult `json:"results"`
	Timestamp time.Time     `json:"timestamp"`
}

// Failures returns the number of failed results in the event.
func (e TradeEvent) Failures() int {
	n := 0
	for _, r := range e.Results {
		if !r.OK() {
			n++
		}
	}
	return n
}

// AttemptRecord is one submission or verification step of a trade call.
type AttemptRecord struct {
	CallID    string    `json:"call_id"`
	Operation Operation `json:"operation"`
	Attempt   int       `json:"attempt"`
	Stage     string    `json:"stage"`
	Ticket    uint64    `json:"ticket,omitempty"`
	Retcode   uint32    `json:"retcode,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
