package trading

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

func TestVolumeFromAmountBTC(t *testing.T) {
	b := NewRequestBuilder(broker.NewPaperTerminal(broker.PaperTerminalConfig{}), DefaultBuilderConfig())
	ctx := context.Background()

	vol, err := b.VolumeFromAmount(ctx, "BTCUSD", 1000)
	if err != nil || vol != 0.02 {
		t.Fatalf("VolumeFromAmount(1000) = %v, %v; want 0.02", vol, err)
	}

	_, err = b.VolumeFromAmount(ctx, "BTCUSD", 100)
	if !apperrors.Is(err, apperrors.ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
	if !strings.Contains(err.Error(), "Minimum required amount: $500.00 USD") || !strings.Contains(err.Error(), "0.01 lots") {
		t.Fatalf("message should state the minimum amount and lot: %q", err.Error())
	}

	_, err = b.VolumeFromAmount(ctx, "BTCUSD", 1e7)
	if !apperrors.Is(err, apperrors.ErrAmountTooLarge) {
		t.Fatalf("expected ErrAmountTooLarge, got %v", err)
	}

	min, err := b.MinAmount(ctx, "BTCUSD")
	if err != nil || min != 500 {
		t.Fatalf("MinAmount = %v, %v; want 500", min, err)
	}
}

func TestBuildPricesAgainstQuote(t *testing.T) {
	paper := broker.NewPaperTerminal(broker.PaperTerminalConfig{})
	b := NewRequestBuilder(paper, DefaultBuilderConfig())
	ctx := context.Background()

	buy := models.TradeIntent{Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1}
	req, err := b.Build(ctx, &buy, "abcd1234")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if req.Price != 1.08512 || req.Type != broker.OrderTypeBuy || req.Deviation != 20 || req.Magic != 234000 {
		t.Fatalf("unexpected buy request %+v", req)
	}
	if req.TypeTime != broker.TimeGTC || req.TypeFilling != broker.FillingIOC {
		t.Fatalf("unexpected time/filling %+v", req)
	}

	pos := models.Position{Ticket: 9, Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.3}
	closeReq, err := b.BuildClose(ctx, pos, "abcd1234")
	if err != nil {
		t.Fatalf("BuildClose failed: %v", err)
	}
	if closeReq.Price != 1.08500 || closeReq.Type != broker.OrderTypeSell || closeReq.Position != 9 || closeReq.Volume != 0.3 {
		t.Fatalf("closing a BUY should sell the full volume at bid: %+v", closeReq)
	}

	hedge := HedgeIntent(pos)
	hedgeReq, err := b.Build(ctx, &hedge, "abcd1234")
	if err != nil || hedgeReq.Price != 1.08500 || hedgeReq.Position != 0 {
		t.Fatalf("hedging a BUY should open a SELL at bid: %+v, %v", hedgeReq, err)
	}

	// A tick with an empty side counts as absent.
	paper.SetQuote("EURUSD", 0, 1.1)
	if _, err := b.Build(ctx, &buy, ""); !apperrors.Is(err, apperrors.ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestBuildKeepsCalculatedVolume(t *testing.T) {
	paper := broker.NewPaperTerminal(broker.PaperTerminalConfig{})
	b := NewRequestBuilder(paper, DefaultBuilderConfig())
	ctx := context.Background()

	intent := models.TradeIntent{Symbol: "BTCUSD", Side: models.SideBuy, Amount: 1000}
	if _, err := b.Build(ctx, &intent, ""); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	paper.SetQuote("BTCUSD", 20000, 20000)
	req, err := b.Build(ctx, &intent, "")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if intent.CalculatedVolume != 0.02 || req.Volume != 0.02 {
		t.Fatalf("volume recomputed on rebuild: calculated=%v request=%v", intent.CalculatedVolume, req.Volume)
	}
}

func TestValidateIntent(t *testing.T) {
	cases := []models.TradeIntent{
		{Side: models.SideBuy, Volume: 0.1},
		{Symbol: "EURUSD", Side: "HOLD", Volume: 0.1},
		{Symbol: "EURUSD", Side: models.SideBuy},
		{Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1, Amount: 100},
		{Symbol: "EURUSD", Side: models.SideSell, Volume: 0.1, StopLoss: -1},
	}
	for i, c := range cases {
		c := c
		if err := ValidateIntent(&c); apperrors.KindOf(err) != apperrors.KindValidation {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCommentCarriesCallTag(t *testing.T) {
	b := NewRequestBuilder(nil, DefaultBuilderConfig())
	long := strings.Repeat("x", 60)
	for _, text := range []string{"", "grid level 3", long} {
		c := b.comment(text, "deadbeef")
		if len(c) > maxCommentLen || !strings.HasSuffix(c, "#deadbeef") {
			t.Fatalf("comment %q exceeds limit or lost tag", c)
		}
	}
	if got := b.comment("", "deadbeef"); got != "mt5-trader#deadbeef" {
		t.Fatalf("default comment = %q", got)
	}

	// Multibyte text is cut on a rune boundary.
	for _, text := range []string{strings.Repeat("€", 20), "grid ₿" + strings.Repeat("é", 30)} {
		for _, tag := range []string{"", "deadbeef"} {
			c := b.comment(text, tag)
			if len(c) > maxCommentLen || !utf8.ValidString(c) {
				t.Fatalf("comment %q is too long or not valid UTF-8", c)
			}
		}
	}
}

// staleSymbolInfo serves a symbol record whose ask lags the live tick.
type staleSymbolInfo struct {
	info  models.SymbolInfo
	quote models.Quote
}

func (m *staleSymbolInfo) SymbolInfo(context.Context, string) (*models.SymbolInfo, error) {
	info := m.info
	return &info, nil
}

func (m *staleSymbolInfo) SymbolTick(context.Context, string) (*models.Quote, error) {
	q := m.quote
	return &q, nil
}

func TestAmountSizingUsesRequestTick(t *testing.T) {
	market := &staleSymbolInfo{
		info: models.SymbolInfo{
			Symbol: "BTCUSD", Digits: 2, ContractSize: 1,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
			Bid: 59990, Ask: 60000, TradeAllowed: true,
		},
		quote: models.Quote{Symbol: "BTCUSD", Bid: 49990, Ask: 50000},
	}
	b := NewRequestBuilder(market, DefaultBuilderConfig())
	ctx := context.Background()

	intent := models.TradeIntent{Symbol: "BTCUSD", Side: models.SideBuy, Amount: 1000}
	req, err := b.Build(ctx, &intent, "abcd1234")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// 1000 / (1 * 50000) = 0.02; the stale 60000 ask would give 0.017 -> 0.01.
	if req.Price != 50000 || intent.CalculatedVolume != 0.02 || req.Volume != 0.02 {
		t.Fatalf("sizing and price disagree: price %v, volume %v", req.Price, intent.CalculatedVolume)
	}

	minAmount, err := b.MinAmount(ctx, "BTCUSD")
	if err != nil || minAmount != 500 {
		t.Fatalf("MinAmount = %v, %v; want 500 at the live ask", minAmount, err)
	}
}

// Property: For any positive amount and symbol parameters, VolumeFromAmount
// either fails with a sizing error or returns a volume within
// [volume_min, volume_max] that is a whole multiple of volume_step.
func TestProperty_VolumeWithinBoundsAndStep(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	amountGen := gen.Float64Range(1, 1_000_000)
	askGen := gen.Float64Range(0.5, 100_000)
	contractGen := gen.OneConstOf(1.0, 10.0, 100.0, 100000.0)
	stepGen := gen.OneConstOf(0.01, 0.1, 1.0)

	properties.Property("volume respects limits and step", prop.ForAll(
		func(amount, ask, contract, step float64) bool {
			paper := broker.NewPaperTerminal(broker.PaperTerminalConfig{Symbols: []models.SymbolInfo{{
				Symbol: "TEST", Digits: 2, ContractSize: contract,
				VolumeMin: step, VolumeMax: 100, VolumeStep: step, Bid: ask, Ask: ask, TradeAllowed: true,
			}}})
			b := NewRequestBuilder(paper, DefaultBuilderConfig())

			vol, err := b.VolumeFromAmount(context.Background(), "TEST", amount)
			if err != nil {
				var se *apperrors.SizingError
				return apperrors.As(err, &se)
			}
			if vol < step-1e-9 || vol > 100+1e-9 {
				return false
			}
			steps := decimal.NewFromFloat(vol).Div(decimal.NewFromFloat(step))
			return steps.Equal(steps.Floor())
		},
		amountGen, askGen, contractGen, stepGen,
	))

	properties.TestingRun(t)
}
