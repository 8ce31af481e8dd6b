// Package trading provides order execution with verification and retries.
package trading

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

// MarketData is the read side of the terminal used to price requests.
type MarketData interface {
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	SymbolTick(ctx context.Context, symbol string) (*models.Quote, error)
}

// BuilderConfig holds the venue parameters stamped on every request.
type BuilderConfig struct {
	Deviation uint32
	Magic     int64
	Filling   broker.FillingPolicy
	// Comment is used when the caller supplies none.
	Comment string
}

// DefaultBuilderConfig returns deviation 20, magic 234000 and IOC filling.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Deviation: 20,
		Magic:     234000,
		Filling:   broker.FillingIOC,
		Comment:   "mt5-trader",
	}
}

// maxCommentLen is the terminal's comment field limit.
const maxCommentLen = 31

// RequestBuilder turns intents into wire requests priced at the current quote.
type RequestBuilder struct {
	market MarketData
	cfg    BuilderConfig
}

// NewRequestBuilder creates a request builder.
func NewRequestBuilder(market MarketData, cfg BuilderConfig) *RequestBuilder {
	if cfg.Comment == "" {
		cfg.Comment = "mt5-trader"
	}
	return &RequestBuilder{market: market, cfg: cfg}
}

// ValidateIntent checks the caller-supplied fields of a market intent.
func ValidateIntent(intent *models.TradeIntent) error {
	if strings.TrimSpace(intent.Symbol) == "" {
		return apperrors.NewValidationError("symbol", intent.Symbol, "symbol is required")
	}
	if !intent.Side.Valid() {
		return apperrors.NewValidationError("order_type", intent.Side, "must be BUY or SELL")
	}
	if intent.Volume < 0 || intent.Amount < 0 {
		return apperrors.NewValidationError("volume", intent.Volume, "volume and amount must not be negative")
	}
	if (intent.Volume > 0) == (intent.Amount > 0) {
		return apperrors.NewValidationError("volume", intent.Volume, "exactly one of volume or amount must be set")
	}
	if intent.StopLoss < 0 {
		return apperrors.NewValidationError("stop_loss", intent.StopLoss, "must not be negative")
	}
	if intent.TakeProfit < 0 {
		return apperrors.NewValidationError("take_profit", intent.TakeProfit, "must not be negative")
	}
	return nil
}

// ValidatePending checks a pending order request.
func ValidatePending(req *models.PendingOrderRequest) error {
	if !req.Type.Valid() {
		return apperrors.NewValidationError("type", req.Type, "must be BUY_LIMIT, SELL_LIMIT, BUY_STOP or SELL_STOP")
	}
	if req.Price <= 0 {
		return apperrors.NewValidationError("price", req.Price, "must be positive")
	}
	// The side is implied by the order type.
	req.Side = req.Type.Side()
	return ValidateIntent(&req.TradeIntent)
}

// Build resolves a market intent into a deal request. Amount-based intents
// are sized on the first call; later calls reuse CalculatedVolume.
func (b *RequestBuilder) Build(ctx context.Context, intent *models.TradeIntent, tag string) (*broker.OrderRequest, error) {
	if err := ValidateIntent(intent); err != nil {
		return nil, err
	}
	quote, err := b.quote(ctx, intent.Symbol)
	if err != nil {
		return nil, err
	}
	if err := b.size(ctx, intent, quote); err != nil {
		return nil, err
	}

	return &broker.OrderRequest{
		Action:      broker.ActionDeal,
		Symbol:      intent.Symbol,
		Volume:      intent.TargetVolume(),
		Type:        broker.OrderTypeForSide(intent.Side),
		Price:       quote.PriceFor(intent.Side),
		StopLoss:    intent.StopLoss,
		TakeProfit:  intent.TakeProfit,
		Deviation:   b.cfg.Deviation,
		Magic:       b.cfg.Magic,
		Comment:     b.comment(intent.Comment, tag),
		TypeTime:    broker.TimeGTC,
		TypeFilling: b.cfg.Filling,
	}, nil
}

// BuildClose builds the offsetting deal that closes pos in full.
// Closing a BUY sells at the bid and vice versa.
func (b *RequestBuilder) BuildClose(ctx context.Context, pos models.Position, tag string) (*broker.OrderRequest, error) {
	quote, err := b.quote(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	side := pos.Side.Opposite()
	return &broker.OrderRequest{
		Action:      broker.ActionDeal,
		Symbol:      pos.Symbol,
		Volume:      pos.Volume,
		Type:        broker.OrderTypeForSide(side),
		Price:       quote.PriceFor(side),
		Position:    pos.Ticket,
		Deviation:   b.cfg.Deviation,
		Magic:       b.cfg.Magic,
		Comment:     b.comment("close", tag),
		TypeTime:    broker.TimeGTC,
		TypeFilling: b.cfg.Filling,
	}, nil
}

// HedgeIntent returns the intent that offsets pos with an opposite position
// of equal volume.
func HedgeIntent(pos models.Position) models.TradeIntent {
	return models.TradeIntent{
		Symbol:  pos.Symbol,
		Side:    pos.Side.Opposite(),
		Volume:  pos.Volume,
		Comment: fmt.Sprintf("hedge %d", pos.Ticket),
	}
}

// BuildModify builds an SL/TP change for pos. Levels left nil in m keep
// their current value.
func (b *RequestBuilder) BuildModify(pos models.Position, m models.ModifyRequest) *broker.OrderRequest {
	sl, tp := m.Target(pos)
	return &broker.OrderRequest{
		Action:     broker.ActionSLTP,
		Symbol:     pos.Symbol,
		Position:   pos.Ticket,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      b.cfg.Magic,
	}
}

// BuildPending builds a resting order at req.Price.
func (b *RequestBuilder) BuildPending(ctx context.Context, req *models.PendingOrderRequest, tag string) (*broker.OrderRequest, error) {
	if err := ValidatePending(req); err != nil {
		return nil, err
	}
	quote, err := b.quote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := b.size(ctx, &req.TradeIntent, quote); err != nil {
		return nil, err
	}

	out := &broker.OrderRequest{
		Action:     broker.ActionPending,
		Symbol:     req.Symbol,
		Volume:     req.TargetVolume(),
		Type:       broker.OrderTypeForPending(req.Type),
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Deviation:  b.cfg.Deviation,
		Magic:      b.cfg.Magic,
		Comment:    b.comment(req.Comment, tag),
		TypeTime:   broker.TimeGTC,
		// Resting orders cannot be immediate-or-cancel.
		TypeFilling: broker.FillingReturn,
	}
	if req.Expiry != nil {
		out.TypeTime = broker.TimeSpecified
		out.Expiration = req.Expiry
	}
	return out, nil
}

// BuildCancel builds the removal of a pending order.
func (b *RequestBuilder) BuildCancel(ticket uint64) *broker.OrderRequest {
	return &broker.OrderRequest{
		Action: broker.ActionRemove,
		Order:  ticket,
	}
}

// VolumeFromAmount converts a deposit-currency amount into lots at the
// current ask: round(amount / (contract_size * ask), 2), floored to the
// volume step, and checked against the symbol's volume limits.
func (b *RequestBuilder) VolumeFromAmount(ctx context.Context, symbol string, amount float64) (float64, error) {
	info, quote, err := b.pricing(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return volumeAt(info, quote.Ask, symbol, amount)
}

// volumeAt sizes amount against the given ask.
func volumeAt(info *models.SymbolInfo, ask float64, symbol string, amount float64) (float64, error) {
	contract := decimal.NewFromFloat(info.ContractSize)
	price := decimal.NewFromFloat(ask)
	notional := contract.Mul(price)
	if !notional.IsPositive() {
		return 0, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "symbol %s has no contract value", symbol)
	}

	volume := decimal.NewFromFloat(amount).Div(notional).Round(2)
	if step := decimal.NewFromFloat(info.VolumeStep); step.IsPositive() {
		volume = volume.Div(step).Floor().Mul(step)
	}

	minVol := decimal.NewFromFloat(info.VolumeMin)
	maxVol := decimal.NewFromFloat(info.VolumeMax)
	if volume.LessThan(minVol) {
		return 0, &apperrors.SizingError{
			Symbol:      symbol,
			Amount:      amount,
			LimitAmount: minVol.Mul(notional).Round(2).InexactFloat64(),
			LimitVolume: info.VolumeMin,
		}
	}
	if maxVol.IsPositive() && volume.GreaterThan(maxVol) {
		return 0, &apperrors.SizingError{
			Symbol:      symbol,
			TooLarge:    true,
			Amount:      amount,
			LimitAmount: maxVol.Mul(notional).Round(2).InexactFloat64(),
			LimitVolume: info.VolumeMax,
		}
	}
	return volume.InexactFloat64(), nil
}

// MinAmount returns the smallest amount that sizes to the minimum volume.
func (b *RequestBuilder) MinAmount(ctx context.Context, symbol string) (float64, error) {
	info, quote, err := b.pricing(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromFloat(info.VolumeMin).
		Mul(decimal.NewFromFloat(info.ContractSize)).
		Mul(decimal.NewFromFloat(quote.Ask)).
		Round(2).
		InexactFloat64(), nil
}

// size converts an amount-based intent at the ask of quote, the same tick
// the request is priced from.
func (b *RequestBuilder) size(ctx context.Context, intent *models.TradeIntent, quote *models.Quote) error {
	if !intent.AmountBased() || intent.CalculatedVolume > 0 {
		return nil
	}
	info, err := b.market.SymbolInfo(ctx, intent.Symbol)
	if err != nil {
		return err
	}
	volume, err := volumeAt(info, quote.Ask, intent.Symbol, intent.Amount)
	if err != nil {
		return err
	}
	intent.CalculatedVolume = volume
	return nil
}

// quote returns a usable tick. A tick with a zero side counts as absent.
func (b *RequestBuilder) quote(ctx context.Context, symbol string) (*models.Quote, error) {
	q, err := b.market.SymbolTick(ctx, symbol)
	if err != nil {
		return nil, apperrors.Wrapf(err, "tick for %s", symbol)
	}
	if !q.Usable() {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "no current tick for %s", symbol)
	}
	return q, nil
}

// pricing returns symbol constraints and the current tick. The tick, not
// the symbol record's ask, is the reference price for sizing.
func (b *RequestBuilder) pricing(ctx context.Context, symbol string) (*models.SymbolInfo, *models.Quote, error) {
	info, err := b.market.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}
	q, err := b.quote(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}
	return info, q, nil
}

// comment returns the order comment: the caller's text (or the default)
// followed by "#" and the call tag, within the terminal's length limit.
func (b *RequestBuilder) comment(text, tag string) string {
	if text == "" {
		text = b.cfg.Comment
	}
	if tag == "" {
		return truncate(text, maxCommentLen)
	}
	return truncate(text, maxCommentLen-len(tag)-1) + "#" + tag
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the comment stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
