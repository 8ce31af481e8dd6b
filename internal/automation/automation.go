// Package automation runs scheduled, conditional, grid and martingale
// strategies on top of the trading service.
package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/trading"
)

// Trader is the part of the trading service the monitors use.
type Trader interface {
	PlaceMarketOrder(ctx context.Context, intent models.TradeIntent) models.TradeResult
	PlacePendingOrder(ctx context.Context, req models.PendingOrderRequest) models.TradeResult
	ClosePosition(ctx context.Context, ticket uint64) models.TradeResult
	Positions(ctx context.Context, symbol string) ([]models.Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]models.PendingOrder, error)
	Quote(ctx context.Context, symbol string) (*models.Quote, error)
}

// Config holds manager configuration.
type Config struct {
	// Interval between monitor ticks.
	Interval time.Duration
}

// DefaultConfig returns a one second tick.
func DefaultConfig() Config {
	return Config{Interval: time.Second}
}

// State is a point-in-time copy of everything the manager runs.
type State struct {
	Running     bool                      `json:"running"`
	Scheduled   []models.ScheduledTrade   `json:"scheduled"`
	Conditional []models.ConditionalOrder `json:"conditional"`
	Grids       []models.GridConfig       `json:"grids"`
	Martingales []models.MartingaleConfig `json:"martingales"`
}

// Manager owns the automation monitors. Each monitor is a goroutine that
// ticks at the configured interval; errors are logged and the loop goes on.
type Manager struct {
	trader   Trader
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	scheduled   []*models.ScheduledTrade
	conditional []*models.ConditionalOrder
	grids       map[string]*models.GridConfig
	martingales map[string]*models.MartingaleConfig

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a stopped manager.
func NewManager(trader Trader, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Manager{
		trader:      trader,
		logger:      logger.With().Str("component", "automation").Logger(),
		interval:    cfg.Interval,
		now:         time.Now,
		grids:       make(map[string]*models.GridConfig),
		martingales: make(map[string]*models.MartingaleConfig),
	}
}

func newID() string { return uuid.New().String() }

// shortTag is the order comment marker for a strategy.
func shortTag(prefix, id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + "-" + id
}

// AddScheduled registers a scheduled trade and returns its ID.
func (m *Manager) AddScheduled(st models.ScheduledTrade) (string, error) {
	if err := trading.ValidateIntent(&st.Intent); err != nil {
		return "", err
	}
	if _, err := time.Parse("15:04", st.ExecutionTime); err != nil {
		return "", apperrors.NewValidationError("execution_time", st.ExecutionTime, "must be HH:MM")
	}
	switch st.Schedule {
	case "":
		st.Schedule = models.ScheduleOnce
	case models.ScheduleOnce, models.ScheduleDaily, models.ScheduleWeekly:
	default:
		return "", apperrors.NewValidationError("schedule_type", st.Schedule, "must be once, daily or weekly")
	}
	if st.MaxTrades < 0 {
		return "", apperrors.NewValidationError("max_trades", st.MaxTrades, "must not be negative")
	}
	if st.ID == "" {
		st.ID = newID()
	}
	st.Executed = 0
	st.LastRun = nil

	m.mu.Lock()
	m.scheduled = append(m.scheduled, &st)
	m.mu.Unlock()

	m.logger.Info().Str("id", st.ID).Str("symbol", st.Intent.Symbol).
		Str("schedule", string(st.Schedule)).Str("at", st.ExecutionTime).Msg("Scheduled trade added")
	return st.ID, nil
}

// AddConditional registers a conditional order and returns its ID.
func (m *Manager) AddConditional(co models.ConditionalOrder) (string, error) {
	if err := trading.ValidateIntent(&co.Intent); err != nil {
		return "", err
	}
	if len(co.Conditions) == 0 {
		return "", apperrors.NewValidationError("conditions", nil, "at least one condition is required")
	}
	for i, c := range co.Conditions {
		if c.Type != models.ConditionPriceAbove && c.Type != models.ConditionPriceBelow {
			return "", apperrors.NewValidationError(fmt.Sprintf("conditions[%d].type", i), c.Type, "must be price_above or price_below")
		}
		if c.Value <= 0 {
			return "", apperrors.NewValidationError(fmt.Sprintf("conditions[%d].value", i), c.Value, "must be positive")
		}
		if c.Symbol == "" {
			co.Conditions[i].Symbol = co.Intent.Symbol
		}
	}
	if co.ID == "" {
		co.ID = newID()
	}

	m.mu.Lock()
	m.conditional = append(m.conditional, &co)
	m.mu.Unlock()

	m.logger.Info().Str("id", co.ID).Str("symbol", co.Intent.Symbol).
		Int("conditions", len(co.Conditions)).Msg("Conditional order added")
	return co.ID, nil
}

// Remove drops a strategy of any kind by ID. Orders and positions it
// already opened are left alone.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, st := range m.scheduled {
		if st.ID == id {
			m.scheduled = append(m.scheduled[:i], m.scheduled[i+1:]...)
			return true
		}
	}
	for i, co := range m.conditional {
		if co.ID == id {
			m.conditional = append(m.conditional[:i], m.conditional[i+1:]...)
			return true
		}
	}
	if _, ok := m.grids[id]; ok {
		delete(m.grids, id)
		return true
	}
	if _, ok := m.martingales[id]; ok {
		delete(m.martingales, id)
		return true
	}
	return false
}

// Start launches the monitors. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	monitors := map[string]func(context.Context){
		"schedule":   m.runScheduled,
		"condition":  m.runConditional,
		"grid":       m.runGrids,
		"martingale": m.runMartingales,
	}
	for name, fn := range monitors {
		m.wg.Add(1)
		go m.loop(ctx, name, fn)
	}
	m.logger.Info().Dur("interval", m.interval).Msg("Automation started")
}

// Stop cancels the monitors and waits for in-flight ticks to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Automation stopped")
}

// Running reports whether the monitors are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot returns copies of all registered strategies.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Running:     m.running,
		Scheduled:   make([]models.ScheduledTrade, 0, len(m.scheduled)),
		Conditional: make([]models.ConditionalOrder, 0, len(m.conditional)),
		Grids:       make([]models.GridConfig, 0, len(m.grids)),
		Martingales: make([]models.MartingaleConfig, 0, len(m.martingales)),
	}
	for _, st := range m.scheduled {
		s.Scheduled = append(s.Scheduled, *st)
	}
	for _, co := range m.conditional {
		s.Conditional = append(s.Conditional, *co)
	}
	for _, g := range m.grids {
		s.Grids = append(s.Grids, *g)
	}
	for _, mc := range m.martingales {
		s.Martingales = append(s.Martingales, *mc)
	}
	return s
}

func (m *Manager) loop(ctx context.Context, name string, tick func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick(ctx, name, tick)
		}
	}
}

func (m *Manager) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("monitor", name).Interface("panic", r).Msg("Monitor tick panicked")
		}
	}()
	tick(ctx)
}

func (m *Manager) logResult(kind, id string, res models.TradeResult) {
	if res.OK() {
		m.logger.Info().Str("strategy", kind).Str("id", id).Uint64("ticket", res.Ticket).Msg(res.Message)
		return
	}
	m.logger.Warn().Str("strategy", kind).Str("id", id).Str("code", res.Code).Msg(res.Message)
}
