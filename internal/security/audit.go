// Package security provides the trade audit trail, read-only mode and
// credential masking.
package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"mt5-trader/internal/models"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Connection events
	AuditConnect       AuditEventType = "CONNECT"
	AuditConnectFailed AuditEventType = "CONNECT_FAILED"
	AuditDisconnect    AuditEventType = "DISCONNECT"

	// Trading events
	AuditPositionOpened  AuditEventType = "POSITION_OPENED"
	AuditPositionClosed  AuditEventType = "POSITION_CLOSED"
	AuditPositionChanged AuditEventType = "POSITION_MODIFIED"
	AuditPositionHedged  AuditEventType = "POSITION_HEDGED"
	AuditOrderPlaced     AuditEventType = "ORDER_PLACED"
	AuditOrderCancelled  AuditEventType = "ORDER_CANCELLED"
	AuditBatchClose      AuditEventType = "BATCH_CLOSE"

	// Security events
	AuditReadOnlyViolation AuditEventType = "READ_ONLY_VIOLATION"
	AuditModeChanged       AuditEventType = "MODE_CHANGED"
)

var operationEvents = map[models.Operation]AuditEventType{
	models.OpOpen:          AuditPositionOpened,
	models.OpClose:         AuditPositionClosed,
	models.OpModify:        AuditPositionChanged,
	models.OpHedge:         AuditPositionHedged,
	models.OpPendingPlace:  AuditOrderPlaced,
	models.OpPendingCancel: AuditOrderCancelled,
	models.OpCloseAll:      AuditBatchClose,
}

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Account   string                 `json:"account,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Ticket    uint64                 `json:"ticket,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	account   string
	logger    zerolog.Logger
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "mt5-trader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates an audit logger writing to LogDir/audit.log.
func NewAuditLogger(cfg AuditConfig, logger zerolog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return newAuditLogger(writer, logger), nil
}

func newAuditLogger(w io.WriteCloser, logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: generateSessionID(),
		logger:    logger.With().Str("component", "audit").Logger(),
	}
}

// SetAccount sets the trading account recorded on every event.
func (al *AuditLogger) SetAccount(login int64, server string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.account = strconv.FormatInt(login, 10) + "@" + server
}

// Log writes an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SessionID = al.sessionID
	if event.Account == "" {
		event.Account = al.account
	}
	// Broker comments and transport errors can echo request URLs.
	if ContainsSensitiveData(event.ErrorMsg) {
		event.ErrorMsg = MaskSensitive(event.ErrorMsg)
	}
	if event.Details != nil {
		event.Details = LogWithoutCredentials(event.Details)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogTrade writes one audit line per result of a finished trade call.
// Write failures are logged, never returned.
func (al *AuditLogger) LogTrade(ctx context.Context, event models.TradeEvent) {
	eventType, ok := operationEvents[event.Operation]
	if !ok {
		eventType = AuditEventType(event.Operation)
	}

	for _, r := range event.Results {
		symbol := r.Symbol
		if symbol == "" {
			symbol = event.Symbol
		}
		ae := AuditEvent{
			Timestamp: event.Timestamp,
			EventType: eventType,
			Symbol:    symbol,
			Ticket:    r.Ticket,
			Action:    string(event.Operation),
			Success:   r.OK(),
			CallID:    event.CallID,
			Details: map[string]interface{}{
				"message":  r.Message,
				"attempts": r.Attempts,
			},
		}
		if !r.OK() {
			ae.ErrorMsg = r.Code
		}
		if r.Profit != nil {
			ae.Details["profit"] = *r.Profit
		}
		if event.Intent != nil {
			ae.Details["side"] = event.Intent.Side
			ae.Details["volume"] = event.Intent.TargetVolume()
			if event.Intent.Amount > 0 {
				ae.Details["amount"] = event.Intent.Amount
			}
		}
		if err := al.Log(ctx, ae); err != nil {
			al.logger.Error().Err(err).Str("call_id", event.CallID).Msg("Failed to write audit event")
		}
	}
}

// LogConnection records a terminal login attempt.
func (al *AuditLogger) LogConnection(ctx context.Context, login int64, server string, success bool, errorMsg string) error {
	eventType := AuditConnect
	if !success {
		eventType = AuditConnectFailed
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		Account:   strconv.FormatInt(login, 10) + "@" + server,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogDisconnect records a terminal shutdown.
func (al *AuditLogger) LogDisconnect(ctx context.Context) error {
	return al.Log(ctx, AuditEvent{EventType: AuditDisconnect, Success: true})
}

// LogReadOnlyViolation logs an attempt to perform a write operation in read-only mode.
func (al *AuditLogger) LogReadOnlyViolation(ctx context.Context, operation string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditReadOnlyViolation,
		Action:    operation,
		Success:   false,
		ErrorMsg:  "operation blocked: read-only mode enabled",
	})
}

// LogModeChange records a read-only mode toggle.
func (al *AuditLogger) LogModeChange(ctx context.Context, readOnly bool) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditModeChanged,
		Success:   true,
		Details:   map[string]interface{}{"read_only": readOnly},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	return al.writer.Close()
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
