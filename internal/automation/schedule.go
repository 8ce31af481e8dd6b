package automation

import (
	"context"
	"time"

	"mt5-trader/internal/models"
)

// scheduledAt returns the execution instant of st on the day of now.
func scheduledAt(st *models.ScheduledTrade, now time.Time) time.Time {
	t, err := time.Parse("15:04", st.ExecutionTime)
	if err != nil {
		return time.Time{}
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
}

// due reports whether st should fire at now.
func due(st *models.ScheduledTrade, now time.Time) bool {
	at := scheduledAt(st, now)
	if at.IsZero() || now.Before(at) {
		return false
	}
	switch st.Schedule {
	case models.ScheduleWeekly:
		if now.Weekday() != st.Weekday {
			return false
		}
		return st.LastRun == nil || st.LastRun.Before(at)
	case models.ScheduleDaily:
		return st.LastRun == nil || st.LastRun.Before(at)
	default:
		return st.LastRun == nil
	}
}

// finished reports whether st will never fire again.
func finished(st *models.ScheduledTrade, now time.Time) bool {
	if st.Expiry != nil && now.After(*st.Expiry) {
		return true
	}
	if st.MaxTrades > 0 && st.Executed >= st.MaxTrades {
		return true
	}
	return st.Schedule == models.ScheduleOnce && st.LastRun != nil
}

func (m *Manager) runScheduled(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var fire []*models.ScheduledTrade
	kept := m.scheduled[:0]
	for _, st := range m.scheduled {
		if finished(st, now) {
			m.logger.Info().Str("id", st.ID).Int("executed", st.Executed).Msg("Scheduled trade finished")
			continue
		}
		kept = append(kept, st)
		if due(st, now) {
			fire = append(fire, st)
		}
	}
	m.scheduled = kept
	m.mu.Unlock()

	for _, st := range fire {
		if ctx.Err() != nil {
			return
		}
		res := m.trader.PlaceMarketOrder(ctx, st.Intent)
		m.logResult("scheduled", st.ID, res)

		// A failed run still counts; the next run is the next occurrence.
		m.mu.Lock()
		ran := now
		st.LastRun = &ran
		st.Executed++
		m.mu.Unlock()
	}
}

// conditionsMet evaluates every condition against the current bid.
func (m *Manager) conditionsMet(ctx context.Context, conds []models.Condition) bool {
	for _, c := range conds {
		q, err := m.trader.Quote(ctx, c.Symbol)
		if err != nil || !q.Usable() {
			m.logger.Debug().Err(err).Str("symbol", c.Symbol).Msg("No quote for condition")
			return false
		}
		switch c.Type {
		case models.ConditionPriceAbove:
			if !(q.Bid > c.Value) {
				return false
			}
		case models.ConditionPriceBelow:
			if !(q.Bid < c.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *Manager) runConditional(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	pending := make([]*models.ConditionalOrder, 0, len(m.conditional))
	kept := m.conditional[:0]
	for _, co := range m.conditional {
		if co.Expiry != nil && now.After(*co.Expiry) {
			m.logger.Info().Str("id", co.ID).Msg("Conditional order expired")
			continue
		}
		kept = append(kept, co)
		pending = append(pending, co)
	}
	m.conditional = kept
	m.mu.Unlock()

	for _, co := range pending {
		if ctx.Err() != nil {
			return
		}
		if !m.conditionsMet(ctx, co.Conditions) {
			continue
		}
		if !m.Remove(co.ID) {
			continue // removed concurrently
		}
		res := m.trader.PlaceMarketOrder(ctx, co.Intent)
		m.logResult("conditional", co.ID, res)
	}
}
