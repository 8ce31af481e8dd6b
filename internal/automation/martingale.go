package automation

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/security"
)

// nextVolume scales volume by the multiplier, capped by maxVolume when set,
// rounded to 0.01 lots.
func nextVolume(volume, multiplier, maxVolume float64) float64 {
	v := decimal.NewFromFloat(volume).Mul(decimal.NewFromFloat(multiplier)).Round(2)
	if maxVolume > 0 {
		v = decimal.Min(v, decimal.NewFromFloat(maxVolume))
	}
	out, _ := v.Float64()
	return out
}

// SetupMartingale registers a martingale sequence and opens its first
// position.
func (m *Manager) SetupMartingale(ctx context.Context, mc models.MartingaleConfig) (string, models.TradeResult, error) {
	if err := security.ValidateSymbol(mc.Symbol); err != nil {
		return "", models.TradeResult{}, err
	}
	switch {
	case !mc.Side.Valid():
		return "", models.TradeResult{}, apperrors.NewValidationError("order_type", mc.Side, "must be BUY or SELL")
	case mc.InitialVolume <= 0:
		return "", models.TradeResult{}, apperrors.NewValidationError("initial_volume", mc.InitialVolume, "must be positive")
	case mc.Multiplier < 1:
		return "", models.TradeResult{}, apperrors.NewValidationError("multiplier", mc.Multiplier, "must be at least 1")
	case mc.MaxSteps <= 0:
		return "", models.TradeResult{}, apperrors.NewValidationError("max_steps", mc.MaxSteps, "must be positive")
	case mc.MaxVolume > 0 && mc.MaxVolume < mc.InitialVolume:
		return "", models.TradeResult{}, apperrors.NewValidationError("max_volume", mc.MaxVolume, "must not be below initial_volume")
	}
	if mc.ID == "" {
		mc.ID = newID()
	}
	mc.CurrentStep = 0

	res := m.trader.PlaceMarketOrder(ctx, martingaleIntent(&mc, mc.InitialVolume))
	m.logResult("martingale", mc.ID, res)
	if res.OK() {
		mc.CurrentStep = 1
	}

	m.mu.Lock()
	m.martingales[mc.ID] = &mc
	m.mu.Unlock()
	return mc.ID, res, nil
}

func martingaleIntent(mc *models.MartingaleConfig, volume float64) models.TradeIntent {
	return models.TradeIntent{
		Symbol:     mc.Symbol,
		Side:       mc.Side,
		Volume:     volume,
		StopLoss:   mc.StopLoss,
		TakeProfit: mc.TakeProfit,
		Comment:    shortTag("mg", mc.ID),
	}
}

func (m *Manager) runMartingales(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.martingales))
	for id := range m.martingales {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.manageMartingale(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("id", id).Msg("Martingale tick failed")
		}
	}
}

// manageMartingale advances one sequence:
//   - no position at step 0: open the initial volume
//   - no position past step 0: the sequence ended, reset to step 0
//   - losing position below max steps: close it and reopen scaled up
//   - profitable position: reset to step 0
func (m *Manager) manageMartingale(ctx context.Context, id string) error {
	m.mu.Lock()
	mcp, ok := m.martingales[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	mc := *mcp
	m.mu.Unlock()

	positions, err := m.trader.Positions(ctx, mc.Symbol)
	if err != nil {
		return err
	}
	tag := shortTag("mg", mc.ID)
	var pos *models.Position
	for i := range positions {
		if strings.HasPrefix(positions[i].Comment, tag) {
			pos = &positions[i]
			break
		}
	}

	step := mc.CurrentStep
	switch {
	case pos == nil && step == 0:
		res := m.trader.PlaceMarketOrder(ctx, martingaleIntent(&mc, mc.InitialVolume))
		m.logResult("martingale", mc.ID, res)
		if res.OK() {
			step = 1
		}
	case pos == nil:
		m.logger.Info().Str("id", mc.ID).Int("step", step).Msg("Martingale sequence ended")
		step = 0
	case pos.Profit < 0 && step < mc.MaxSteps:
		closed := m.trader.ClosePosition(ctx, pos.Ticket)
		m.logResult("martingale", mc.ID, closed)
		if !closed.OK() {
			return nil
		}
		res := m.trader.PlaceMarketOrder(ctx, martingaleIntent(&mc, nextVolume(pos.Volume, mc.Multiplier, mc.MaxVolume)))
		m.logResult("martingale", mc.ID, res)
		if res.OK() {
			step++
		} else {
			step = 0
		}
	case pos.Profit > 0:
		step = 0
	}

	m.mu.Lock()
	if cur, ok := m.martingales[id]; ok {
		cur.CurrentStep = step
	}
	m.mu.Unlock()
	return nil
}
