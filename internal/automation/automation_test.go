package automation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

// fakeTrader records calls and keeps a tiny position and order book.
type fakeTrader struct {
	mu        sync.Mutex
	quotes    map[string]models.Quote
	positions []models.Position
	orders    []models.PendingOrder
	opened    []models.TradeIntent
	placed    []models.PendingOrderRequest
	closed    []uint64
	next      uint64
	fail      bool
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{quotes: map[string]models.Quote{}, next: 100}
}

func (f *fakeTrader) setQuote(symbol string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = models.Quote{Symbol: symbol, Bid: bid, Ask: ask}
}

func (f *fakeTrader) PlaceMarketOrder(_ context.Context, intent models.TradeIntent) models.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, intent)
	if f.fail {
		return models.Failed("submission_rejected", "rejected")
	}
	f.next++
	f.positions = append(f.positions, models.Position{
		Ticket: f.next, Symbol: intent.Symbol, Side: intent.Side, Volume: intent.Volume, Comment: intent.Comment + "#abcd1234",
	})
	return models.Succeeded(f.next, intent.Symbol, "Order placed successfully")
}

func (f *fakeTrader) PlacePendingOrder(_ context.Context, req models.PendingOrderRequest) models.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	f.next++
	f.orders = append(f.orders, models.PendingOrder{
		Ticket: f.next, Symbol: req.Symbol, Type: req.Type, Volume: req.Volume, Price: req.Price,
		TakeProfit: req.TakeProfit, Comment: req.Comment + "#abcd1234",
	})
	return models.Succeeded(f.next, req.Symbol, "Pending order placed successfully")
}

func (f *fakeTrader) ClosePosition(_ context.Context, ticket uint64) models.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, ticket)
	for i, p := range f.positions {
		if p.Ticket == ticket {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			return models.Succeeded(ticket, p.Symbol, "Position closed successfully")
		}
	}
	return models.Failed("not_found", "Position not found")
}

func (f *fakeTrader) Positions(_ context.Context, symbol string) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Position
	for _, p := range f.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTrader) PendingOrders(_ context.Context, symbol string) ([]models.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PendingOrder
	for _, o := range f.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeTrader) Quote(_ context.Context, symbol string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, apperrors.ErrQuoteUnavailable
	}
	return &q, nil
}

func newTestManager(tr Trader, now time.Time) *Manager {
	m := NewManager(tr, DefaultConfig(), zerolog.Nop())
	m.now = func() time.Time { return now }
	return m
}

var buyEURUSD = models.TradeIntent{Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1}

func TestScheduledOnceFiresOnce(t *testing.T) {
	tr := newFakeTrader()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	m := newTestManager(tr, now)

	if _, err := m.AddScheduled(models.ScheduledTrade{Intent: buyEURUSD, ExecutionTime: "11:00"}); err != nil {
		t.Fatalf("AddScheduled: %v", err)
	}
	m.runScheduled(context.Background())
	if len(tr.opened) != 0 {
		t.Fatalf("fired before execution time")
	}

	m.now = func() time.Time { return now.Add(time.Hour) }
	m.runScheduled(context.Background())
	m.runScheduled(context.Background())
	if len(tr.opened) != 1 {
		t.Fatalf("expected one execution, got %d", len(tr.opened))
	}
	if len(m.Snapshot().Scheduled) != 0 {
		t.Fatalf("once schedule should be removed after running")
	}
}

func TestScheduledDailyBoundedByMaxTrades(t *testing.T) {
	tr := newFakeTrader()
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := newTestManager(tr, day)

	_, err := m.AddScheduled(models.ScheduledTrade{
		Intent: buyEURUSD, ExecutionTime: "08:00", Schedule: models.ScheduleDaily, MaxTrades: 2,
	})
	if err != nil {
		t.Fatalf("AddScheduled: %v", err)
	}
	for d := 0; d < 4; d++ {
		m.now = func() time.Time { return day.AddDate(0, 0, d) }
		m.runScheduled(context.Background())
		m.runScheduled(context.Background())
	}
	if len(tr.opened) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(tr.opened))
	}
}

func TestScheduledWeeklyAndExpiry(t *testing.T) {
	tr := newFakeTrader()
	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := newTestManager(tr, monday)
	expiry := monday.AddDate(0, 0, 10)

	m.AddScheduled(models.ScheduledTrade{
		Intent: buyEURUSD, ExecutionTime: "09:00", Schedule: models.ScheduleWeekly,
		Weekday: time.Wednesday, Expiry: &expiry,
	})
	for d := 0; d < 21; d++ {
		m.now = func() time.Time { return monday.AddDate(0, 0, d) }
		m.runScheduled(context.Background())
	}
	// Wednesdays on day 2 and 9; day 16 is past expiry.
	if len(tr.opened) != 2 {
		t.Fatalf("expected 2 weekly executions, got %d", len(tr.opened))
	}
}

func TestAddScheduledValidation(t *testing.T) {
	m := newTestManager(newFakeTrader(), time.Now())
	cases := []models.ScheduledTrade{
		{Intent: buyEURUSD, ExecutionTime: "25:00"},
		{Intent: buyEURUSD, ExecutionTime: "09:00", Schedule: "monthly"},
		{Intent: models.TradeIntent{Symbol: "EURUSD", Side: "HOLD", Volume: 1}, ExecutionTime: "09:00"},
	}
	for _, c := range cases {
		if _, err := m.AddScheduled(c); apperrors.KindOf(err) != apperrors.KindValidation {
			t.Fatalf("expected validation error for %+v, got %v", c, err)
		}
	}
}

func TestConditionalFiresWhenAllConditionsHold(t *testing.T) {
	tr := newFakeTrader()
	tr.setQuote("EURUSD", 1.0800, 1.0802)
	tr.setQuote("GBPUSD", 1.2500, 1.2502)
	m := newTestManager(tr, time.Now())

	_, err := m.AddConditional(models.ConditionalOrder{
		Intent: buyEURUSD,
		Conditions: []models.Condition{
			{Type: models.ConditionPriceAbove, Value: 1.0850},
			{Type: models.ConditionPriceBelow, Symbol: "GBPUSD", Value: 1.2600},
		},
	})
	if err != nil {
		t.Fatalf("AddConditional: %v", err)
	}

	m.runConditional(context.Background())
	if len(tr.opened) != 0 {
		t.Fatalf("fired while EURUSD below threshold")
	}

	tr.setQuote("EURUSD", 1.0860, 1.0862)
	m.runConditional(context.Background())
	m.runConditional(context.Background())
	if len(tr.opened) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(tr.opened))
	}
	if len(m.Snapshot().Conditional) != 0 {
		t.Fatalf("conditional order should be removed after firing")
	}
}

func TestConditionalExpires(t *testing.T) {
	tr := newFakeTrader()
	tr.setQuote("EURUSD", 1.2, 1.2)
	now := time.Now()
	m := newTestManager(tr, now)
	past := now.Add(-time.Minute)

	m.AddConditional(models.ConditionalOrder{
		Intent:     buyEURUSD,
		Conditions: []models.Condition{{Type: models.ConditionPriceAbove, Value: 1.0}},
		Expiry:     &past,
	})
	m.runConditional(context.Background())
	if len(tr.opened) != 0 || len(m.Snapshot().Conditional) != 0 {
		t.Fatalf("expired order should be dropped without firing")
	}
}

func TestGridSetupAndReplenish(t *testing.T) {
	tr := newFakeTrader()
	tr.setQuote("EURUSD", 1.1000, 1.1002)
	m := newTestManager(tr, time.Now())

	id, results, err := m.SetupGrid(context.Background(), models.GridConfig{
		Symbol: "EURUSD", Step: 0.0050, Levels: 3, VolumePerLevel: 0.01, TakeProfitDistance: 0.0040,
	})
	if err != nil {
		t.Fatalf("SetupGrid: %v", err)
	}
	if len(results) != 6 || len(tr.placed) != 6 {
		t.Fatalf("expected 6 orders, got %d", len(tr.placed))
	}
	first := tr.placed[0]
	if first.Type != models.PendingBuyLimit || first.Price != 1.0950 || first.TakeProfit != 1.0990 {
		t.Fatalf("unexpected first rung %+v", first)
	}
	if !strings.HasPrefix(first.Comment, "grid-") {
		t.Fatalf("grid orders must be tagged, got %q", first.Comment)
	}

	// Fill the nearest buy rung.
	tr.mu.Lock()
	tr.orders = tr.orders[1:]
	tr.mu.Unlock()

	m.runGrids(context.Background())
	if len(tr.placed) != 7 || tr.placed[6].Price != 1.0950 {
		t.Fatalf("expected the filled rung to be re-armed, got %+v", tr.placed[len(tr.placed)-1])
	}
	m.runGrids(context.Background())
	if len(tr.placed) != 7 {
		t.Fatalf("complete grid should not place more orders")
	}
	if len(m.Snapshot().Grids) != 1 || !m.Remove(id) || len(m.Snapshot().Grids) != 0 {
		t.Fatalf("grid registration not tracked")
	}
}

func TestGridSkipsCrossedRungs(t *testing.T) {
	tr := newFakeTrader()
	tr.setQuote("EURUSD", 1.1000, 1.1002)
	m := newTestManager(tr, time.Now())
	m.SetupGrid(context.Background(), models.GridConfig{Symbol: "EURUSD", Step: 0.0050, Levels: 1, VolumePerLevel: 0.01})

	tr.mu.Lock()
	tr.orders = nil
	tr.mu.Unlock()
	tr.setQuote("EURUSD", 1.0900, 1.0902)

	m.runGrids(context.Background())
	// Buy rung at 1.0950 is above the ask; only the sell rung is re-armed.
	if got := tr.placed[len(tr.placed)-1]; len(tr.placed) != 3 || got.Type != models.PendingSellLimit {
		t.Fatalf("unexpected replenishment %+v", tr.placed)
	}
}

func TestMartingaleDoublesOnLoss(t *testing.T) {
	tr := newFakeTrader()
	m := newTestManager(tr, time.Now())

	id, res, err := m.SetupMartingale(context.Background(), models.MartingaleConfig{
		Symbol: "EURUSD", Side: models.SideBuy, InitialVolume: 0.01, Multiplier: 2, MaxSteps: 3, MaxVolume: 0.03,
	})
	if err != nil || !res.OK() {
		t.Fatalf("SetupMartingale: %v %+v", err, res)
	}

	setProfit := func(p float64) {
		tr.mu.Lock()
		for i := range tr.positions {
			tr.positions[i].Profit = p
		}
		tr.mu.Unlock()
	}

	setProfit(-5)
	m.runMartingales(context.Background())
	setProfit(-5)
	m.runMartingales(context.Background())
	setProfit(-5)
	m.runMartingales(context.Background())

	vols := []float64{}
	for _, o := range tr.opened {
		vols = append(vols, o.Volume)
	}
	if len(vols) != 3 || vols[1] != 0.02 || vols[2] != 0.03 {
		t.Fatalf("unexpected volume sequence %v", vols)
	}
	if got := m.Snapshot().Martingales[0].CurrentStep; got != 3 {
		t.Fatalf("step = %d, want 3", got)
	}

	setProfit(4)
	m.runMartingales(context.Background())
	if got := m.Snapshot().Martingales[0].CurrentStep; got != 0 {
		t.Fatalf("profit should reset the sequence, step = %d", got)
	}
	if !m.Remove(id) {
		t.Fatalf("Remove failed")
	}
}

func TestStartStop(t *testing.T) {
	tr := newFakeTrader()
	m := NewManager(tr, Config{Interval: 5 * time.Millisecond}, zerolog.Nop())
	m.AddScheduled(models.ScheduledTrade{Intent: buyEURUSD, ExecutionTime: "00:00"})

	m.Start(context.Background())
	m.Start(context.Background())
	if !m.Running() {
		t.Fatalf("manager should be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		n := len(tr.opened)
		tr.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()
	if m.Running() || len(tr.opened) != 1 {
		t.Fatalf("expected one execution and a stopped manager, got %d", len(tr.opened))
	}
}

// Property: nextVolume never exceeds the cap and never shrinks an uncapped
// volume when the multiplier is at least 1.
func TestProperty_NextVolumeBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("volume within cap", prop.ForAll(
		func(steps int, mult float64, maxVol float64) bool {
			v := 0.01
			for i := 0; i < steps; i++ {
				nv := nextVolume(v, mult, maxVol)
				if nv > maxVol+1e-9 {
					return false
				}
				if v < maxVol && nv+0.005 < v {
					return false
				}
				v = nv
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.Float64Range(1, 3),
		gen.Float64Range(0.01, 5),
	))

	properties.TestingRun(t)
}
