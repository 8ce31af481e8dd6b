// Package store provides persistence for the execution journal and the
// idempotency cache.
package store

import (
	"context"
	"encoding/json"
	"time"

	"mt5-trader/internal/models"
)

// JournalStore persists every attempt and every finished trade call.
type JournalStore interface {
	RecordAttempt(ctx context.Context, rec models.AttemptRecord) error
	RecordEvent(ctx context.Context, event models.TradeEvent) error
	RecentEvents(ctx context.Context, filter EventFilter) ([]models.TradeEvent, error)
	AttemptsFor(ctx context.Context, callID string) ([]models.AttemptRecord, error)
	Stats(ctx context.Context, since time.Time) ([]OperationStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// EventFilter represents filters for querying trade events.
type EventFilter struct {
	Operation models.Operation
	Symbol    string
	Since     time.Time
	Limit     int
}

// OperationStats counts outcomes of one operation.
type OperationStats struct {
	Operation   models.Operation `json:"operation"`
	Calls       int              `json:"calls"`
	Failed      int              `json:"failed"`
	AvgAttempts float64          `json:"avg_attempts"`
}

// CachedResponse is the stored reply for an idempotency key.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore remembers the first response produced for a key.
//
// Reserve claims a key before the request runs and reports false when the
// key is already claimed or answered. Get returns nil while the key is
// absent or still being processed. Release drops a claim whose request
// produced no cacheable answer.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, resp CachedResponse) error
	Release(ctx context.Context, key string) error
}
