package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

// GatewayTerminal implements Terminal over the JSON API of a terminal
// gateway process running next to the MetaTrader terminal.
type GatewayTerminal struct {
	baseURL string
	token   string
	client  *http.Client
}

// GatewayConfig holds configuration for the gateway client.
type GatewayConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewGatewayTerminal creates a gateway client.
func NewGatewayTerminal(cfg GatewayConfig) *GatewayTerminal {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GatewayTerminal{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Initialize starts the terminal behind the gateway.
func (g *GatewayTerminal) Initialize(ctx context.Context) error {
	return g.do(ctx, http.MethodPost, "/initialize", nil, nil)
}

// Login authenticates the terminal against a trade server.
func (g *GatewayTerminal) Login(ctx context.Context, creds Credentials) error {
	return g.do(ctx, http.MethodPost, "/login", creds, nil)
}

// TerminalInfo fetches the terminal state.
func (g *GatewayTerminal) TerminalInfo(ctx context.Context) (*TerminalInfo, error) {
	var info TerminalInfo
	if err := g.do(ctx, http.MethodGet, "/terminal_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Shutdown stops the terminal behind the gateway.
func (g *GatewayTerminal) Shutdown(ctx context.Context) error {
	return g.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// SymbolInfo fetches symbol constraints.
func (g *GatewayTerminal) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	var info models.SymbolInfo
	err := g.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol), nil, &info)
	if isStatus(err, http.StatusNotFound) {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "symbol %s", symbol)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// SymbolTick fetches the latest tick; a 404 means no tick is available.
func (g *GatewayTerminal) SymbolTick(ctx context.Context, symbol string) (*models.Quote, error) {
	var q models.Quote
	err := g.do(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol)+"/tick", nil, &q)
	if isStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Positions fetches open positions.
func (g *GatewayTerminal) Positions(ctx context.Context, filter Filter) ([]models.Position, error) {
	var out []models.Position
	if err := g.do(ctx, http.MethodGet, "/positions"+filter.query(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Orders fetches pending orders.
func (g *GatewayTerminal) Orders(ctx context.Context, filter Filter) ([]models.PendingOrder, error) {
	var out []models.PendingOrder
	if err := g.do(ctx, http.MethodGet, "/orders"+filter.query(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AccountInfo fetches the account summary.
func (g *GatewayTerminal) AccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	var info models.AccountInfo
	if err := g.do(ctx, http.MethodGet, "/account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// OrderSend forwards a trade request. Non-success return codes come back as
// a SendResult with a nil error; only transport failures return an error.
func (g *GatewayTerminal) OrderSend(ctx context.Context, req *OrderRequest) (*SendResult, error) {
	var res SendResult
	if err := g.do(ctx, http.MethodPost, "/order_send", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (f Filter) query() string {
	v := url.Values{}
	if f.Ticket != 0 {
		v.Set("ticket", strconv.FormatUint(f.Ticket, 10))
	}
	if f.Symbol != "" {
		v.Set("symbol", f.Symbol)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

type gatewayError struct {
	Detail string `json:"detail"`
}

func (g *GatewayTerminal) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.NewBrokerError("TRANSPORT", method+" "+path, fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewBrokerError("TRANSPORT", "read response", err)
	}

	if resp.StatusCode >= 300 {
		var ge gatewayError
		_ = json.Unmarshal(data, &ge)
		msg := ge.Detail
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return apperrors.NewBrokerError(strconv.Itoa(resp.StatusCode), fmt.Sprintf("%s %s: %s", method, path, msg), nil)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewBrokerError("DECODE", method+" "+path, err)
	}
	return nil
}

func isStatus(err error, status int) bool {
	var be *apperrors.BrokerError
	return apperrors.As(err, &be) && be.Code == strconv.Itoa(status)
}
