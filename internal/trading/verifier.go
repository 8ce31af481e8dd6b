package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/pkg/utils"
)

// StateReader is the authoritative view of terminal state.
type StateReader interface {
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	Positions(ctx context.Context, filter broker.Filter) ([]models.Position, error)
	Orders(ctx context.Context, filter broker.Filter) ([]models.PendingOrder, error)
}

// Snapshot is the observed state of a position or order.
type Snapshot struct {
	Ticket     uint64      `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Side       models.Side `json:"side"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price,omitempty"`
	StopLoss   float64     `json:"sl"`
	TakeProfit float64     `json:"tp"`
}

// Verdict is the result of comparing observed state with intended state.
// Snapshot is nil when the ticket was not found.
type Verdict struct {
	Passed   bool
	Reason   string
	Snapshot *Snapshot
}

// Err returns nil for a passing verdict and a *errors.VerificationError otherwise.
func (v Verdict) Err(ticket uint64) error {
	if v.Passed {
		return nil
	}
	return &apperrors.VerificationError{Ticket: ticket, Reason: v.Reason}
}

func passed(s *Snapshot) Verdict { return Verdict{Passed: true, Snapshot: s} }

func failed(s *Snapshot, format string, args ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...), Snapshot: s}
}

// Verifier re-reads terminal state after a settle delay and checks that an
// acknowledged request actually took effect.
type Verifier struct {
	state  StateReader
	settle time.Duration
	logger zerolog.Logger
}

// NewVerifier creates a verifier that waits settle before every check.
func NewVerifier(state StateReader, settle time.Duration, logger zerolog.Logger) *Verifier {
	return &Verifier{
		state:  state,
		settle: settle,
		logger: logger.With().Str("component", "verifier").Logger(),
	}
}

// VerifyOpen checks that position ticket exists and matches intent. SL and
// TP are compared only when the intent sets them.
func (v *Verifier) VerifyOpen(ctx context.Context, ticket uint64, intent *models.TradeIntent) (Verdict, error) {
	if err := utils.Sleep(ctx, v.settle); err != nil {
		return Verdict{}, err
	}
	pos, err := v.FindPosition(ctx, ticket)
	if err != nil {
		return Verdict{}, err
	}
	if pos == nil {
		return v.report(ticket, failed(nil, "position %d not found after acknowledgement", ticket)), nil
	}
	return v.report(ticket, v.CompareOpen(ctx, pos, intent)), nil
}

// CompareOpen compares an observed position with intent without waiting.
func (v *Verifier) CompareOpen(ctx context.Context, pos *models.Position, intent *models.TradeIntent) Verdict {
	snap := positionSnapshot(pos)

	switch {
	case pos.Symbol != intent.Symbol:
		return failed(snap, "symbol mismatch: want %s, got %s", intent.Symbol, pos.Symbol)
	case !volumeEqual(pos.Volume, intent.TargetVolume()):
		return failed(snap, "volume mismatch: want %g, got %g", intent.TargetVolume(), pos.Volume)
	case pos.Side != intent.Side:
		return failed(snap, "side mismatch: want %s, got %s", intent.Side, pos.Side)
	case intent.StopLoss != 0 && !LevelEqual(pos.StopLoss, intent.StopLoss):
		return failed(snap, "stop loss mismatch: want %g, got %g", intent.StopLoss, pos.StopLoss)
	case intent.TakeProfit != 0 && !LevelEqual(pos.TakeProfit, intent.TakeProfit):
		return failed(snap, "take profit mismatch: want %g, got %g", intent.TakeProfit, pos.TakeProfit)
	}
	return passed(snap)
}

// VerifyClose passes when position ticket no longer exists.
func (v *Verifier) VerifyClose(ctx context.Context, ticket uint64) (Verdict, error) {
	if err := utils.Sleep(ctx, v.settle); err != nil {
		return Verdict{}, err
	}
	pos, err := v.FindPosition(ctx, ticket)
	if err != nil {
		return Verdict{}, err
	}
	if pos != nil {
		return v.report(ticket, failed(positionSnapshot(pos), "position %d still open", ticket)), nil
	}
	return passed(nil), nil
}

// VerifyModify checks that position ticket carries the levels requested in
// m. Levels left unspecified are not compared.
func (v *Verifier) VerifyModify(ctx context.Context, ticket uint64, m models.ModifyRequest) (Verdict, error) {
	if err := utils.Sleep(ctx, v.settle); err != nil {
		return Verdict{}, err
	}
	pos, err := v.FindPosition(ctx, ticket)
	if err != nil {
		return Verdict{}, err
	}
	if pos == nil {
		return v.report(ticket, failed(nil, "position %d not found", ticket)), nil
	}
	return v.report(ticket, v.CompareLevels(ctx, pos, m)), nil
}

// CompareLevels compares a position's SL/TP with m without waiting.
func (v *Verifier) CompareLevels(ctx context.Context, pos *models.Position, m models.ModifyRequest) Verdict {
	snap := positionSnapshot(pos)
	if m.StopLoss != nil && !LevelEqual(pos.StopLoss, *m.StopLoss) {
		return failed(snap, "stop loss mismatch: want %g, got %g", *m.StopLoss, pos.StopLoss)
	}
	if m.TakeProfit != nil && !LevelEqual(pos.TakeProfit, *m.TakeProfit) {
		return failed(snap, "take profit mismatch: want %g, got %g", *m.TakeProfit, pos.TakeProfit)
	}
	return passed(snap)
}

// VerifyPending checks that pending order ticket rests with the requested
// symbol, type, volume and price. An order that already triggered into a
// position with the same ticket also passes.
func (v *Verifier) VerifyPending(ctx context.Context, ticket uint64, req *models.PendingOrderRequest) (Verdict, error) {
	if err := utils.Sleep(ctx, v.settle); err != nil {
		return Verdict{}, err
	}
	order, err := v.FindOrder(ctx, ticket)
	if err != nil {
		return Verdict{}, err
	}
	if order == nil {
		pos, err := v.FindPosition(ctx, ticket)
		if err != nil {
			return Verdict{}, err
		}
		if pos != nil && pos.Symbol == req.Symbol && pos.Side == req.Type.Side() {
			return passed(positionSnapshot(pos)), nil
		}
		return v.report(ticket, failed(nil, "order %d not found after acknowledgement", ticket)), nil
	}
	return v.report(ticket, v.ComparePending(ctx, order, req)), nil
}

// ComparePending compares a resting order with req without waiting.
func (v *Verifier) ComparePending(ctx context.Context, order *models.PendingOrder, req *models.PendingOrderRequest) Verdict {
	snap := &Snapshot{
		Ticket: order.Ticket, Symbol: order.Symbol, Side: order.Type.Side(), Volume: order.Volume,
		Price: order.Price, StopLoss: order.StopLoss, TakeProfit: order.TakeProfit,
	}
	digits := v.digits(ctx, order.Symbol)
	switch {
	case order.Symbol != req.Symbol:
		return failed(snap, "symbol mismatch: want %s, got %s", req.Symbol, order.Symbol)
	case order.Type != req.Type:
		return failed(snap, "type mismatch: want %s, got %s", req.Type, order.Type)
	case !volumeEqual(order.Volume, req.TargetVolume()):
		return failed(snap, "volume mismatch: want %g, got %g", req.TargetVolume(), order.Volume)
	case !priceEqual(order.Price, req.Price, digits):
		return failed(snap, "price mismatch: want %g, got %g", req.Price, order.Price)
	}
	return passed(snap)
}

// VerifyCancel passes when pending order ticket no longer exists.
func (v *Verifier) VerifyCancel(ctx context.Context, ticket uint64) (Verdict, error) {
	if err := utils.Sleep(ctx, v.settle); err != nil {
		return Verdict{}, err
	}
	order, err := v.FindOrder(ctx, ticket)
	if err != nil {
		return Verdict{}, err
	}
	if order != nil {
		return v.report(ticket, failed(nil, "order %d still pending", ticket)), nil
	}
	return passed(nil), nil
}

// FindPosition returns position ticket, or nil when it does not exist.
func (v *Verifier) FindPosition(ctx context.Context, ticket uint64) (*models.Position, error) {
	positions, err := v.state.Positions(ctx, broker.Filter{Ticket: ticket})
	if err != nil {
		return nil, apperrors.Wrapf(err, "query position %d", ticket)
	}
	for i := range positions {
		if positions[i].Ticket == ticket {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// FindOrder returns pending order ticket, or nil when it does not exist.
func (v *Verifier) FindOrder(ctx context.Context, ticket uint64) (*models.PendingOrder, error) {
	orders, err := v.state.Orders(ctx, broker.Filter{Ticket: ticket})
	if err != nil {
		return nil, apperrors.Wrapf(err, "query order %d", ticket)
	}
	for i := range orders {
		if orders[i].Ticket == ticket {
			return &orders[i], nil
		}
	}
	return nil, nil
}

// FindTagged returns the position on symbol whose comment ends with the
// call tag, or nil.
func (v *Verifier) FindTagged(ctx context.Context, symbol, tag string) (*models.Position, error) {
	positions, err := v.state.Positions(ctx, broker.Filter{Symbol: symbol})
	if err != nil {
		return nil, apperrors.Wrapf(err, "query positions for %s", symbol)
	}
	suffix := "#" + tag
	for i := range positions {
		if strings.HasSuffix(positions[i].Comment, suffix) {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// FindTaggedOrder returns the pending order on symbol whose comment ends
// with the call tag, or nil.
func (v *Verifier) FindTaggedOrder(ctx context.Context, symbol, tag string) (*models.PendingOrder, error) {
	orders, err := v.state.Orders(ctx, broker.Filter{Symbol: symbol})
	if err != nil {
		return nil, apperrors.Wrapf(err, "query orders for %s", symbol)
	}
	suffix := "#" + tag
	for i := range orders {
		if strings.HasSuffix(orders[i].Comment, suffix) {
			return &orders[i], nil
		}
	}
	return nil, nil
}

func (v *Verifier) report(ticket uint64, verdict Verdict) Verdict {
	if !verdict.Passed {
		v.logger.Error().Uint64("ticket", ticket).Str("reason", verdict.Reason).Msg("Verification failed")
	}
	return verdict
}

// digits returns the symbol's price precision, or -1 when unknown.
func (v *Verifier) digits(ctx context.Context, symbol string) int {
	info, err := v.state.SymbolInfo(ctx, symbol)
	if err != nil || info == nil {
		return -1
	}
	return info.Digits
}

// LevelEqual reports whether a recorded SL/TP level is exactly the
// requested one. Any nonzero difference, even below the symbol's point,
// is a mismatch.
func LevelEqual(recorded, requested float64) bool {
	return decimal.NewFromFloat(recorded).Equal(decimal.NewFromFloat(requested))
}

// priceEqual compares two order prices after rounding both to digits.
// With unknown digits (negative) the comparison is exact.
func priceEqual(a, b float64, digits int) bool {
	da, db := decimal.NewFromFloat(a), decimal.NewFromFloat(b)
	if digits >= 0 {
		da, db = da.Round(int32(digits)), db.Round(int32(digits))
	}
	return da.Equal(db)
}

func volumeEqual(a, b float64) bool {
	return decimal.NewFromFloat(a).Round(8).Equal(decimal.NewFromFloat(b).Round(8))
}

func positionSnapshot(p *models.Position) *Snapshot {
	return &Snapshot{
		Ticket: p.Ticket, Symbol: p.Symbol, Side: p.Side, Volume: p.Volume,
		Price: p.OpenPrice, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
	}
}
