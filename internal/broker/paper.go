package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

// PaperTerminal implements Terminal as an in-memory trading simulation.
// Orders fill instantly at the current quote; pending orders trigger when
// SetQuote moves the price through them.
type PaperTerminal struct {
	mu sync.RWMutex

	initialized bool
	loggedIn    bool
	login       int64
	server      string

	symbols   map[string]*models.SymbolInfo
	positions map[uint64]*models.Position
	orders    map[uint64]*models.PendingOrder
	balance   float64
	currency  string
	leverage  int

	nextTicket uint64
	now        func() time.Time
}

// PaperTerminalConfig holds configuration for the paper terminal.
type PaperTerminalConfig struct {
	InitialBalance float64
	Currency       string
	Leverage       int
	Symbols        []models.SymbolInfo
}

// DefaultPaperSymbols returns a small set of symbols with static quotes.
func DefaultPaperSymbols() []models.SymbolInfo {
	return []models.SymbolInfo{
		{Symbol: "EURUSD", Description: "Euro vs US Dollar", Digits: 5, Point: 0.00001, ContractSize: 100000,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, Bid: 1.08500, Ask: 1.08512, TradeAllowed: true},
		{Symbol: "GBPUSD", Description: "Great Britain Pound vs US Dollar", Digits: 5, Point: 0.00001, ContractSize: 100000,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, Bid: 1.27000, Ask: 1.27015, TradeAllowed: true},
		{Symbol: "XAUUSD", Description: "Gold vs US Dollar", Digits: 2, Point: 0.01, ContractSize: 100,
			VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, Bid: 2350.00, Ask: 2350.30, TradeAllowed: true},
		{Symbol: "BTCUSD", Description: "Bitcoin vs US Dollar", Digits: 2, Point: 0.01, ContractSize: 1,
			VolumeMin: 0.01, VolumeMax: 10, VolumeStep: 0.01, Bid: 50000.00, Ask: 50000.00, TradeAllowed: true},
	}
}

// NewPaperTerminal creates a new paper trading terminal.
func NewPaperTerminal(cfg PaperTerminalConfig) *PaperTerminal {
	balance := cfg.InitialBalance
	if balance == 0 {
		balance = 10000
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "USD"
	}
	leverage := cfg.Leverage
	if leverage == 0 {
		leverage = 100
	}
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = DefaultPaperSymbols()
	}

	p := &PaperTerminal{
		symbols:    make(map[string]*models.SymbolInfo, len(symbols)),
		positions:  make(map[uint64]*models.Position),
		orders:     make(map[uint64]*models.PendingOrder),
		balance:    balance,
		currency:   currency,
		leverage:   leverage,
		nextTicket: 100000,
		now:        time.Now,
	}
	for i := range symbols {
		info := symbols[i]
		p.symbols[info.Symbol] = &info
	}
	return p
}

// Initialize marks the terminal as running.
func (p *PaperTerminal) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	return nil
}

// Login accepts any credentials once initialized.
func (p *PaperTerminal) Login(ctx context.Context, creds Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return fmt.Errorf("terminal not initialized")
	}
	p.loggedIn = true
	p.login = creds.Login
	p.server = creds.Server
	return nil
}

// TerminalInfo reports the simulated connection state.
func (p *PaperTerminal) TerminalInfo(ctx context.Context) (*TerminalInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return nil, fmt.Errorf("terminal not initialized")
	}
	return &TerminalInfo{
		Connected:    p.loggedIn,
		TradeAllowed: p.loggedIn,
		Company:      "Paper Trading",
		Name:         "PaperTerminal",
	}, nil
}

// Shutdown logs out and stops the terminal.
func (p *PaperTerminal) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	p.loggedIn = false
	return nil
}

// Disconnect simulates a dropped server connection while the terminal keeps running.
func (p *PaperTerminal) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = false
}

// AddSymbol registers or replaces a tradable symbol.
func (p *PaperTerminal) AddSymbol(info models.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[info.Symbol] = &info
}

// SetQuote updates a symbol's prices and triggers crossed pending orders.
func (p *PaperTerminal) SetQuote(symbol string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return
	}
	info.Bid, info.Ask = bid, ask
	p.triggerPending(info)
}

// SymbolInfo returns a copy of the symbol's constraints.
func (p *PaperTerminal) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "symbol %s", symbol)
	}
	out := *info
	return &out, nil
}

// SymbolTick returns the current quote, or nil when the symbol is unknown or unpriced.
func (p *PaperTerminal) SymbolTick(ctx context.Context, symbol string) (*models.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbols[symbol]
	if !ok || info.Bid <= 0 || info.Ask <= 0 {
		return nil, nil
	}
	return &models.Quote{Symbol: symbol, Bid: info.Bid, Ask: info.Ask, Time: p.now()}, nil
}

// Positions returns open positions marked to the current quote.
func (p *PaperTerminal) Positions(ctx context.Context, filter Filter) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if filter.Ticket != 0 && pos.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && pos.Symbol != filter.Symbol {
			continue
		}
		cp := *pos
		if info, ok := p.symbols[pos.Symbol]; ok {
			cp.CurrentPrice = closePrice(info, pos.Side)
			cp.Profit = positionProfit(info, pos.Side, pos.Volume, pos.OpenPrice, cp.CurrentPrice)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Orders returns resting pending orders.
func (p *PaperTerminal) Orders(ctx context.Context, filter Filter) ([]models.PendingOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.PendingOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if filter.Ticket != 0 && o.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// AccountInfo returns balance and equity including floating profit.
func (p *PaperTerminal) AccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var floating, margin float64
	for _, pos := range p.positions {
		info, ok := p.symbols[pos.Symbol]
		if !ok {
			continue
		}
		floating += positionProfit(info, pos.Side, pos.Volume, pos.OpenPrice, closePrice(info, pos.Side))
		margin += pos.Volume * info.ContractSize * pos.OpenPrice / float64(p.leverage)
	}
	equity := p.balance + floating
	return &models.AccountInfo{
		Login:      p.login,
		Server:     p.server,
		Currency:   p.currency,
		Leverage:   p.leverage,
		Balance:    round2(p.balance),
		Equity:     round2(equity),
		Margin:     round2(margin),
		FreeMargin: round2(equity - margin),
		Profit:     round2(floating),
	}, nil
}

// OrderSend simulates the trade server.
func (p *PaperTerminal) OrderSend(ctx context.Context, req *OrderRequest) (*SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loggedIn {
		return reject(RetcodeConnection), nil
	}

	switch req.Action {
	case ActionDeal:
		if req.Position != 0 {
			return p.closePosition(req), nil
		}
		return p.openPosition(req), nil
	case ActionSLTP:
		return p.modifyPosition(req), nil
	case ActionPending:
		return p.placePending(req), nil
	case ActionRemove:
		return p.removePending(req), nil
	}
	return reject(RetcodeInvalid), nil
}

func (p *PaperTerminal) openPosition(req *OrderRequest) *SendResult {
	info, ok := p.symbols[req.Symbol]
	if !ok {
		return reject(RetcodeInvalid)
	}
	if !info.TradeAllowed {
		return reject(RetcodeTradeDisabled)
	}
	if !validVolume(info, req.Volume) {
		return reject(RetcodeInvalidVolume)
	}
	if req.Type != OrderTypeBuy && req.Type != OrderTypeSell {
		return reject(RetcodeInvalid)
	}
	side := models.SideBuy
	if req.Type == OrderTypeSell {
		side = models.SideSell
	}
	price := openPrice(info, side)
	if price <= 0 {
		return reject(RetcodePriceOff)
	}
	if req.Price > 0 && math.Abs(req.Price-price) > float64(req.Deviation)*info.Point+info.Point/2 {
		return &SendResult{Retcode: RetcodeRequote, Bid: info.Bid, Ask: info.Ask, Comment: RetcodeText(RetcodeRequote)}
	}
	if !validStops(side, price, req.StopLoss, req.TakeProfit) {
		return reject(RetcodeInvalidStops)
	}

	ticket := p.ticket()
	p.positions[ticket] = &models.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Magic:        req.Magic,
		Comment:      req.Comment,
		OpenTime:     p.now(),
	}
	return &SendResult{
		Retcode: RetcodeDone,
		Order:   ticket,
		Deal:    p.ticket(),
		Volume:  req.Volume,
		Price:   price,
		Bid:     info.Bid,
		Ask:     info.Ask,
		Comment: RetcodeText(RetcodeDone),
	}
}

func (p *PaperTerminal) closePosition(req *OrderRequest) *SendResult {
	pos, ok := p.positions[req.Position]
	if !ok {
		return reject(RetcodePositionClosed)
	}
	info := p.symbols[pos.Symbol]
	if req.Volume <= 0 || req.Volume > pos.Volume+1e-9 {
		return reject(RetcodeInvalidVolume)
	}
	price := closePrice(info, pos.Side)
	profit := positionProfit(info, pos.Side, req.Volume, pos.OpenPrice, price)
	p.balance += profit

	if math.Abs(pos.Volume-req.Volume) < 1e-9 {
		delete(p.positions, pos.Ticket)
	} else {
		pos.Volume = round2(pos.Volume - req.Volume)
	}
	return &SendResult{
		Retcode: RetcodeDone,
		Order:   p.ticket(),
		Deal:    p.ticket(),
		Volume:  req.Volume,
		Price:   price,
		Bid:     info.Bid,
		Ask:     info.Ask,
		Profit:  round2(profit),
		Comment: RetcodeText(RetcodeDone),
	}
}

func (p *PaperTerminal) modifyPosition(req *OrderRequest) *SendResult {
	pos, ok := p.positions[req.Position]
	if !ok {
		return reject(RetcodePositionClosed)
	}
	if pos.StopLoss == req.StopLoss && pos.TakeProfit == req.TakeProfit {
		return reject(RetcodeNoChanges)
	}
	if !validStops(pos.Side, closePrice(p.symbols[pos.Symbol], pos.Side), req.StopLoss, req.TakeProfit) {
		return reject(RetcodeInvalidStops)
	}
	pos.StopLoss = req.StopLoss
	pos.TakeProfit = req.TakeProfit
	return &SendResult{Retcode: RetcodeDone, Order: pos.Ticket, Comment: RetcodeText(RetcodeDone)}
}

func (p *PaperTerminal) placePending(req *OrderRequest) *SendResult {
	info, ok := p.symbols[req.Symbol]
	if !ok {
		return reject(RetcodeInvalid)
	}
	if !validVolume(info, req.Volume) {
		return reject(RetcodeInvalidVolume)
	}
	var typ models.PendingType
	switch req.Type {
	case OrderTypeBuyLimit:
		typ = models.PendingBuyLimit
		if req.Price >= info.Ask {
			return reject(RetcodeInvalidPrice)
		}
	case OrderTypeSellLimit:
		typ = models.PendingSellLimit
		if req.Price <= info.Bid {
			return reject(RetcodeInvalidPrice)
		}
	case OrderTypeBuyStop:
		typ = models.PendingBuyStop
		if req.Price <= info.Ask {
			return reject(RetcodeInvalidPrice)
		}
	case OrderTypeSellStop:
		typ = models.PendingSellStop
		if req.Price >= info.Bid {
			return reject(RetcodeInvalidPrice)
		}
	default:
		return reject(RetcodeInvalid)
	}
	if !validStops(typ.Side(), req.Price, req.StopLoss, req.TakeProfit) {
		return reject(RetcodeInvalidStops)
	}

	ticket := p.ticket()
	p.orders[ticket] = &models.PendingOrder{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Type:       typ,
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Magic:      req.Magic,
		Comment:    req.Comment,
		Expiry:     req.Expiration,
		SetupTime:  p.now(),
	}
	return &SendResult{Retcode: RetcodeDone, Order: ticket, Volume: req.Volume, Price: req.Price, Comment: RetcodeText(RetcodeDone)}
}

func (p *PaperTerminal) removePending(req *OrderRequest) *SendResult {
	if _, ok := p.orders[req.Order]; !ok {
		return reject(RetcodeInvalid)
	}
	delete(p.orders, req.Order)
	return &SendResult{Retcode: RetcodeDone, Order: req.Order, Comment: RetcodeText(RetcodeDone)}
}

// triggerPending converts crossed pending orders into positions. Must be
// called with mu held.
func (p *PaperTerminal) triggerPending(info *models.SymbolInfo) {
	for ticket, o := range p.orders {
		if o.Symbol != info.Symbol {
			continue
		}
		var hit bool
		switch o.Type {
		case models.PendingBuyLimit:
			hit = info.Ask <= o.Price
		case models.PendingSellLimit:
			hit = info.Bid >= o.Price
		case models.PendingBuyStop:
			hit = info.Ask >= o.Price
		case models.PendingSellStop:
			hit = info.Bid <= o.Price
		}
		if !hit {
			continue
		}
		delete(p.orders, ticket)
		p.positions[ticket] = &models.Position{
			Ticket:     ticket,
			Symbol:     o.Symbol,
			Side:       o.Type.Side(),
			Volume:     o.Volume,
			OpenPrice:  o.Price,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			Magic:      o.Magic,
			Comment:    o.Comment,
			OpenTime:   p.now(),
		}
	}
}

func (p *PaperTerminal) ticket() uint64 {
	p.nextTicket++
	return p.nextTicket
}

func reject(code uint32) *SendResult {
	return &SendResult{Retcode: code, Comment: RetcodeText(code)}
}

func openPrice(info *models.SymbolInfo, side models.Side) float64 {
	if side == models.SideBuy {
		return info.Ask
	}
	return info.Bid
}

func closePrice(info *models.SymbolInfo, side models.Side) float64 {
	if side == models.SideBuy {
		return info.Bid
	}
	return info.Ask
}

func positionProfit(info *models.SymbolInfo, side models.Side, volume, open, current float64) float64 {
	diff := current - open
	if side == models.SideSell {
		diff = -diff
	}
	return diff * volume * info.ContractSize
}

func validVolume(info *models.SymbolInfo, volume float64) bool {
	if volume < info.VolumeMin-1e-9 || volume > info.VolumeMax+1e-9 {
		return false
	}
	if info.VolumeStep <= 0 {
		return true
	}
	steps := volume / info.VolumeStep
	return math.Abs(steps-math.Round(steps)) < 1e-6
}

// validStops checks that SL and TP, when set, sit on the correct side of price.
func validStops(side models.Side, price, sl, tp float64) bool {
	if side == models.SideBuy {
		return (sl == 0 || sl < price) && (tp == 0 || tp > price)
	}
	return (sl == 0 || sl > price) && (tp == 0 || tp < price)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
