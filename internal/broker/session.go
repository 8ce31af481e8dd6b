package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/pkg/utils"
)

// SessionConfig controls connection establishment.
type SessionConfig struct {
	// ConnectAttempts bounds Initialize+Login attempts in Connect.
	ConnectAttempts int
	// ConnectDelay is the pause between connect attempts.
	ConnectDelay time.Duration
}

// Session owns the single authenticated terminal connection of the process.
//
// Every terminal call goes through the session mutex because the underlying
// handle is not safe for concurrent use. Multi-step sequences (submit then
// verify) additionally hold a keyed lock obtained from Lock.
type Session struct {
	terminal Terminal
	cfg      SessionConfig
	logger   zerolog.Logger

	mu    sync.Mutex // serializes terminal calls
	locks *KeyedMutex

	stateMu   sync.RWMutex
	connected bool
	creds     *Credentials
	onChange  func(connected bool)
}

// NewSession wraps a terminal. The session starts disconnected.
func NewSession(terminal Terminal, cfg SessionConfig, logger zerolog.Logger) *Session {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	return &Session{
		terminal: terminal,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session").Logger(),
		locks:    NewKeyedMutex(),
	}
}

// OnConnectionChange registers a callback invoked whenever the connection
// state flips.
func (s *Session) OnConnectionChange(fn func(connected bool)) {
	s.stateMu.Lock()
	s.onChange = fn
	s.stateMu.Unlock()
}

// Connect initializes the terminal and logs in. Credentials are kept for
// later re-login by EnsureConnected.
func (s *Session) Connect(ctx context.Context, creds Credentials) (bool, error) {
	policy := utils.RetryPolicy{
		MaxAttempts: s.cfg.ConnectAttempts,
		MinWait:     s.cfg.ConnectDelay,
		MaxWait:     s.cfg.ConnectDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Terminal connect failed, retrying")
		},
	}

	err := utils.Retry(ctx, policy, func(ctx context.Context) error {
		return s.login(ctx, creds)
	})
	if err != nil {
		s.setConnected(false)
		s.logger.Error().Err(err).Str("server", creds.Server).Msg("Terminal connection failed")
		return false, err
	}

	s.stateMu.Lock()
	c := creds
	s.creds = &c
	s.stateMu.Unlock()
	s.setConnected(true)

	s.logger.Info().Int64("login", creds.Login).Str("server", creds.Server).Msg("Connected to trading terminal")
	return true, nil
}

func (s *Session) login(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.terminal.Initialize(ctx); err != nil {
		return apperrors.Wrap(err, "initialize terminal")
	}
	if err := s.terminal.Login(ctx, creds); err != nil {
		// Release the half-open handle before the next try.
		_ = s.terminal.Shutdown(ctx)
		return fmt.Errorf("%w: %v", apperrors.ErrLoginFailed, err)
	}
	return nil
}

// EnsureConnected probes the terminal and, when the probe fails, tries one
// re-login with the stored credentials. It never returns true on the basis
// of a cached flag alone.
func (s *Session) EnsureConnected(ctx context.Context) bool {
	s.stateMu.RLock()
	creds := s.creds
	s.stateMu.RUnlock()

	if creds == nil {
		return false
	}

	if s.probe(ctx) {
		s.setConnected(true)
		return true
	}

	s.setConnected(false)
	s.logger.Warn().Msg("Terminal probe failed, attempting re-login")
	if err := s.login(ctx, *creds); err != nil {
		s.logger.Error().Err(err).Msg("Re-login failed")
		return false
	}
	if !s.probe(ctx) {
		return false
	}
	s.setConnected(true)
	s.logger.Info().Msg("Terminal session restored")
	return true
}

func (s *Session) probe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.terminal.TerminalInfo(ctx)
	return err == nil && info != nil && info.Connected
}

// Connected returns the last observed connection state without probing.
func (s *Session) Connected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.connected
}

func (s *Session) setConnected(v bool) {
	s.stateMu.Lock()
	changed := s.connected != v
	s.connected = v
	fn := s.onChange
	s.stateMu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

// Shutdown closes the terminal handle. It is safe to call repeatedly and on
// a session that never connected.
func (s *Session) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	wasConnected := s.connected || s.creds != nil
	s.creds = nil
	s.stateMu.Unlock()
	s.setConnected(false)

	if !wasConnected {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.terminal.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Terminal shutdown returned error")
		return err
	}
	s.logger.Info().Msg("Terminal connection closed")
	return nil
}

// Lock acquires the execution lock for key and returns its release function.
func (s *Session) Lock(key string) func() {
	return s.locks.Lock(key)
}

// TerminalInfo returns the terminal's self-reported state.
func (s *Session) TerminalInfo(ctx context.Context) (*TerminalInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.TerminalInfo(ctx)
}

// SymbolInfo returns the trading constraints of symbol.
func (s *Session) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.SymbolInfo(ctx, symbol)
}

// SymbolTick returns the latest tick of symbol, or nil when none is available.
func (s *Session) SymbolTick(ctx context.Context, symbol string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.SymbolTick(ctx, symbol)
}

// Positions returns open positions matching filter.
func (s *Session) Positions(ctx context.Context, filter Filter) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.Positions(ctx, filter)
}

// Orders returns pending orders matching filter.
func (s *Session) Orders(ctx context.Context, filter Filter) ([]models.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.Orders(ctx, filter)
}

// AccountInfo returns the account summary.
func (s *Session) AccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.AccountInfo(ctx)
}

// OrderSend submits req to the terminal.
func (s *Session) OrderSend(ctx context.Context, req *OrderRequest) (*SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal.OrderSend(ctx, req)
}
