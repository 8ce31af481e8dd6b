package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mt5-trader/internal/models"
)

// SQLiteJournal implements JournalStore using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the journal database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

// initSchema creates all required tables and indexes.
func (j *SQLiteJournal) initSchema() error {
	schema := `
	-- One row per submission, verification or recheck step
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		stage TEXT NOT NULL,
		ticket INTEGER,
		retcode INTEGER,
		error TEXT,
		at DATETIME NOT NULL
	);

	-- One row per finished trade call
	CREATE TABLE IF NOT EXISTS trade_events (
		call_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		symbol TEXT,
		results INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		payload TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_call ON attempts(call_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON trade_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_symbol ON trade_events(symbol);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Ping checks the database connection.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// RecordAttempt saves one pipeline step.
func (j *SQLiteJournal) RecordAttempt(ctx context.Context, rec models.AttemptRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (call_id, operation, attempt, stage, ticket, retcode, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CallID, rec.Operation, rec.Attempt, rec.Stage, int64(rec.Ticket), rec.Retcode, rec.Error, rec.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// RecordEvent saves a finished trade call. Recording the same call twice
// replaces the earlier row.
func (j *SQLiteJournal) RecordEvent(ctx context.Context, event models.TradeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	attempts := 0
	for _, r := range event.Results {
		if r.Attempts > attempts {
			attempts = r.Attempts
		}
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trade_events (call_id, operation, symbol, results, failures, attempts, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.CallID, event.Operation, event.Symbol, len(event.Results), event.Failures(), attempts, string(payload), event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents retrieves trade events, newest first.
func (j *SQLiteJournal) RecentEvents(ctx context.Context, filter EventFilter) ([]models.TradeEvent, error) {
	query := "SELECT payload FROM trade_events WHERE 1=1"
	args := []interface{}{}

	if filter.Operation != "" {
		query += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e models.TradeEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// AttemptsFor returns the steps of one call in the order they happened.
func (j *SQLiteJournal) AttemptsFor(ctx context.Context, callID string) ([]models.AttemptRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT call_id, operation, attempt, stage, ticket, retcode, error, at
		FROM attempts
		WHERE call_id = ?
		ORDER BY id ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var recs []models.AttemptRecord
	for rows.Next() {
		var r models.AttemptRecord
		var ticket sql.NullInt64
		var retcode sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&r.CallID, &r.Operation, &r.Attempt, &r.Stage, &ticket, &retcode, &errText, &r.At); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		r.Ticket = uint64(ticket.Int64)
		r.Retcode = uint32(retcode.Int64)
		r.Error = errText.String
		recs = append(recs, r)
	}

	return recs, rows.Err()
}

// Stats aggregates calls per operation since the given time.
func (j *SQLiteJournal) Stats(ctx context.Context, since time.Time) ([]OperationStats, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT operation, COUNT(*), SUM(CASE WHEN failures > 0 THEN 1 ELSE 0 END), AVG(attempts)
		FROM trade_events
		WHERE timestamp >= ?
		GROUP BY operation
		ORDER BY operation
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats []OperationStats
	for rows.Next() {
		var s OperationStats
		if err := rows.Scan(&s.Operation, &s.Calls, &s.Failed, &s.AvgAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}
