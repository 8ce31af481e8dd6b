package models

import "time"

// ScheduleType controls how often a scheduled trade repeats.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// ScheduledTrade opens a market order at a time of day.
type ScheduledTrade struct {
	ID            string       `json:"id"`
	Intent        TradeIntent  `json:"intent"`
	Schedule      ScheduleType `json:"schedule_type"`
	ExecutionTime string       `json:"execution_time"` // HH:MM, local time
	Weekday       time.Weekday `json:"weekday,omitempty"`
	Expiry        *time.Time   `json:"expiry_date,omitempty"`
	MaxTrades     int          `json:"max_trades,omitempty"`
	Executed      int          `json:"executed"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
}

// ConditionType names a price condition.
type ConditionType string

const (
	ConditionPriceAbove ConditionType = "price_above"
	ConditionPriceBelow ConditionType = "price_below"
)

// Condition is a single predicate over a symbol's bid.
type Condition struct {
	Type   ConditionType `json:"type"`
	Symbol string        `json:"symbol"`
	Value  float64       `json:"value"`
}

// ConditionalOrder opens a market order once all conditions hold.
type ConditionalOrder struct {
	ID         string      `json:"id"`
	Intent     TradeIntent `json:"intent"`
	Conditions []Condition `json:"conditions"`
	Expiry     *time.Time  `json:"expiry,omitempty"`
}

// GridConfig describes a symmetric grid of limit orders around a start price.
type GridConfig struct {
	ID                 string  `json:"id"`
	Symbol             string  `json:"symbol"`
	StartPrice         float64 `json:"start_price,omitempty"`
	Step               float64 `json:"step_size"`
	Levels             int     `json:"grid_levels"`
	VolumePerLevel     float64 `json:"volume_per_level"`
	TakeProfitDistance float64 `json:"take_profit_distance,omitempty"`
}

// MartingaleConfig describes a loss-doubling position sequence on one symbol.
type MartingaleConfig struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"order_type"`
	InitialVolume float64 `json:"initial_volume"`
	Multiplier    float64 `json:"multiplier"`
	MaxVolume     float64 `json:"max_volume,omitempty"`
	MaxSteps      int     `json:"max_steps"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	CurrentStep   int     `json:"current_step"`
}
