// Package broker provides terminal integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"mt5-trader/internal/models"
)

// Terminal defines the wire-level operations of a MetaTrader-5 style terminal.
// Implementations are not required to be safe for concurrent use; callers go
// through Session, which serializes access.
type Terminal interface {
	// Session lifecycle
	Initialize(ctx context.Context) error
	Login(ctx context.Context, creds Credentials) error
	TerminalInfo(ctx context.Context) (*TerminalInfo, error)
	Shutdown(ctx context.Context) error

	// Market data. SymbolInfo fails with errors.ErrSymbolNotFound for unknown
	// symbols; SymbolTick returns a nil quote when no tick is available.
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	SymbolTick(ctx context.Context, symbol string) (*models.Quote, error)

	// Trading state
	Positions(ctx context.Context, filter Filter) ([]models.Position, error)
	Orders(ctx context.Context, filter Filter) ([]models.PendingOrder, error)
	AccountInfo(ctx context.Context) (*models.AccountInfo, error)

	// OrderSend submits a request and returns the terminal's acknowledgement.
	// A non-nil error means the request may or may not have reached the server.
	OrderSend(ctx context.Context, req *OrderRequest) (*SendResult, error)
}

// Credentials identifies a trading account on a server.
type Credentials struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// Filter narrows position and order queries. Zero fields match everything.
type Filter struct {
	Ticket uint64
	Symbol string
}

// TerminalInfo is the terminal's self-reported state.
type TerminalInfo struct {
	Connected    bool   `json:"connected"`
	TradeAllowed bool   `json:"trade_allowed"`
	Company      string `json:"company"`
	Name         string `json:"name"`
	Build        int    `json:"build"`
	PingLast     int64  `json:"ping_last"`
}

// TradeAction is the kind of trade request.
type TradeAction int

const (
	ActionDeal    TradeAction = 1
	ActionPending TradeAction = 5
	ActionSLTP    TradeAction = 6
	ActionModify  TradeAction = 7
	ActionRemove  TradeAction = 8
)

func (a TradeAction) String() string {
	switch a {
	case ActionDeal:
		return "deal"
	case ActionPending:
		return "pending"
	case ActionSLTP:
		return "sltp"
	case ActionModify:
		return "modify"
	case ActionRemove:
		return "remove"
	}
	return "unknown"
}

// OrderType is the wire order type.
type OrderType int

const (
	OrderTypeBuy       OrderType = 0
	OrderTypeSell      OrderType = 1
	OrderTypeBuyLimit  OrderType = 2
	OrderTypeSellLimit OrderType = 3
	OrderTypeBuyStop   OrderType = 4
	OrderTypeSellStop  OrderType = 5
)

// OrderTypeForSide maps a market side to its wire order type.
func OrderTypeForSide(s models.Side) OrderType {
	if s == models.SideBuy {
		return OrderTypeBuy
	}
	return OrderTypeSell
}

// OrderTypeForPending maps a pending order type to its wire order type.
func OrderTypeForPending(t models.PendingType) OrderType {
	switch t {
	case models.PendingBuyLimit:
		return OrderTypeBuyLimit
	case models.PendingSellLimit:
		return OrderTypeSellLimit
	case models.PendingBuyStop:
		return OrderTypeBuyStop
	default:
		return OrderTypeSellStop
	}
}

// FillingPolicy is the order filling mode.
type FillingPolicy int

const (
	FillingFOK    FillingPolicy = 0
	FillingIOC    FillingPolicy = 1
	FillingReturn FillingPolicy = 2
)

// ParseFillingPolicy converts a config value (FOK, IOC, RETURN) into a policy.
func ParseFillingPolicy(s string) (FillingPolicy, bool) {
	switch s {
	case "FOK", "fok":
		return FillingFOK, true
	case "IOC", "ioc", "":
		return FillingIOC, true
	case "RETURN", "return":
		return FillingReturn, true
	}
	return FillingIOC, false
}

// TimeInForce is the order expiration mode.
type TimeInForce int

const (
	TimeGTC       TimeInForce = 0
	TimeDay       TimeInForce = 1
	TimeSpecified TimeInForce = 2
)

// OrderRequest is a fully resolved trade request ready for the wire.
type OrderRequest struct {
	Action      TradeAction   `json:"action"`
	Symbol      string        `json:"symbol,omitempty"`
	Volume      float64       `json:"volume,omitempty"`
	Type        OrderType     `json:"type"`
	Price       float64       `json:"price,omitempty"`
	StopLoss    float64       `json:"sl"`
	TakeProfit  float64       `json:"tp"`
	Deviation   uint32        `json:"deviation,omitempty"`
	Magic       int64         `json:"magic,omitempty"`
	Comment     string        `json:"comment,omitempty"`
	Position    uint64        `json:"position,omitempty"`
	Order       uint64        `json:"order,omitempty"`
	TypeTime    TimeInForce   `json:"type_time"`
	TypeFilling FillingPolicy `json:"type_filling"`
	Expiration  *time.Time    `json:"expiration,omitempty"`
}

// SendResult is the terminal's synchronous acknowledgement of an OrderRequest.
type SendResult struct {
	Retcode   uint32  `json:"retcode"`
	Deal      uint64  `json:"deal"`
	Order     uint64  `json:"order"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Profit    float64 `json:"profit,omitempty"`
	Comment   string  `json:"comment"`
	RequestID uint32  `json:"request_id"`
}
