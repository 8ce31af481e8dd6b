package automation

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/security"
)

// gridLevel is one rung of a grid.
type gridLevel struct {
	Type  models.PendingType
	Price float64
}

// gridLevels returns the BUY_LIMIT rungs below and SELL_LIMIT rungs above
// the start price. Prices are computed in decimal so rungs land exactly on
// multiples of the step.
func gridLevels(g *models.GridConfig) []gridLevel {
	start := decimal.NewFromFloat(g.StartPrice)
	step := decimal.NewFromFloat(g.Step)

	levels := make([]gridLevel, 0, 2*g.Levels)
	for i := 1; i <= g.Levels; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		buy, _ := start.Sub(offset).Float64()
		sell, _ := start.Add(offset).Float64()
		if buy > 0 {
			levels = append(levels, gridLevel{Type: models.PendingBuyLimit, Price: buy})
		}
		levels = append(levels, gridLevel{Type: models.PendingSellLimit, Price: sell})
	}
	return levels
}

func gridRequest(g *models.GridConfig, lvl gridLevel) models.PendingOrderRequest {
	req := models.PendingOrderRequest{
		TradeIntent: models.TradeIntent{
			Symbol:  g.Symbol,
			Side:    lvl.Type.Side(),
			Volume:  g.VolumePerLevel,
			Comment: shortTag("grid", g.ID),
		},
		Type:  lvl.Type,
		Price: lvl.Price,
	}
	if g.TakeProfitDistance > 0 {
		price := decimal.NewFromFloat(lvl.Price)
		dist := decimal.NewFromFloat(g.TakeProfitDistance)
		if lvl.Type == models.PendingBuyLimit {
			req.TakeProfit, _ = price.Add(dist).Float64()
		} else {
			req.TakeProfit, _ = price.Sub(dist).Float64()
		}
	}
	return req
}

// SetupGrid registers a grid and places its initial orders. When no start
// price is given the current bid is used.
func (m *Manager) SetupGrid(ctx context.Context, g models.GridConfig) (string, []models.TradeResult, error) {
	if err := security.ValidateSymbol(g.Symbol); err != nil {
		return "", nil, err
	}
	switch {
	case g.Levels <= 0:
		return "", nil, apperrors.NewValidationError("grid_levels", g.Levels, "must be positive")
	case g.Step <= 0:
		return "", nil, apperrors.NewValidationError("step_size", g.Step, "must be positive")
	case g.VolumePerLevel <= 0:
		return "", nil, apperrors.NewValidationError("volume_per_level", g.VolumePerLevel, "must be positive")
	case g.TakeProfitDistance < 0:
		return "", nil, apperrors.NewValidationError("take_profit_distance", g.TakeProfitDistance, "must not be negative")
	}
	if g.StartPrice <= 0 {
		q, err := m.trader.Quote(ctx, g.Symbol)
		if err != nil {
			return "", nil, err
		}
		if !q.Usable() {
			return "", nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "no quote for %s", g.Symbol)
		}
		g.StartPrice = q.Bid
	}
	if g.ID == "" {
		g.ID = newID()
	}

	results := make([]models.TradeResult, 0, 2*g.Levels)
	for _, lvl := range gridLevels(&g) {
		res := m.trader.PlacePendingOrder(ctx, gridRequest(&g, lvl))
		m.logResult("grid", g.ID, res)
		results = append(results, res)
	}

	m.mu.Lock()
	m.grids[g.ID] = &g
	m.mu.Unlock()

	m.logger.Info().Str("id", g.ID).Str("symbol", g.Symbol).Float64("start", g.StartPrice).
		Int("levels", g.Levels).Msg("Grid set up")
	return g.ID, results, nil
}

func (m *Manager) runGrids(ctx context.Context) {
	m.mu.Lock()
	grids := make([]models.GridConfig, 0, len(m.grids))
	for _, g := range m.grids {
		grids = append(grids, *g)
	}
	m.mu.Unlock()

	for i := range grids {
		if ctx.Err() != nil {
			return
		}
		if err := m.manageGrid(ctx, &grids[i]); err != nil {
			m.logger.Error().Err(err).Str("id", grids[i].ID).Msg("Grid tick failed")
		}
	}
}

// manageGrid re-arms rungs whose order has been filled or removed. A rung
// is only re-armed while it is still a valid limit price for the quote.
func (m *Manager) manageGrid(ctx context.Context, g *models.GridConfig) error {
	orders, err := m.trader.PendingOrders(ctx, g.Symbol)
	if err != nil {
		return err
	}
	q, err := m.trader.Quote(ctx, g.Symbol)
	if err != nil {
		return err
	}
	if !q.Usable() {
		return apperrors.ErrQuoteUnavailable
	}

	tag := shortTag("grid", g.ID)
	half := g.Step / 2
	for _, lvl := range gridLevels(g) {
		armed := false
		for _, o := range orders {
			if o.Type == lvl.Type && strings.HasPrefix(o.Comment, tag) && abs(o.Price-lvl.Price) < half {
				armed = true
				break
			}
		}
		if armed {
			continue
		}
		if lvl.Type == models.PendingBuyLimit && lvl.Price >= q.Ask {
			continue
		}
		if lvl.Type == models.PendingSellLimit && lvl.Price <= q.Bid {
			continue
		}
		res := m.trader.PlacePendingOrder(ctx, gridRequest(g, lvl))
		m.logResult("grid", g.ID, res)
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
