package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/symbols/EURUSD", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.SymbolInfo{Symbol: "EURUSD", Digits: 5, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000})
	})
	mux.HandleFunc("/symbols/EURUSD/tick", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Quote{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
	})
	mux.HandleFunc("/symbols/NOPE", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"unknown symbol"}`))
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "77" {
			t.Errorf("ticket filter not forwarded: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]models.Position{{Ticket: 77, Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1}})
	})
	mux.HandleFunc("/order_send", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(SendResult{Retcode: RetcodeDone, Order: 77, Volume: req.Volume, Comment: "Request completed"})
	})
	mux.HandleFunc("/terminal_info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("terminal crashed"))
	})
	return httptest.NewServer(mux)
}

func TestGatewayTerminalRoundTrips(t *testing.T) {
	srv := newGatewayServer(t)
	defer srv.Close()
	g := NewGatewayTerminal(GatewayConfig{BaseURL: srv.URL + "/", Token: "tkn"})
	ctx := context.Background()

	info, err := g.SymbolInfo(ctx, "EURUSD")
	if err != nil || info.ContractSize != 100000 {
		t.Fatalf("SymbolInfo = %+v, %v", info, err)
	}
	if _, err := g.SymbolInfo(ctx, "NOPE"); !apperrors.Is(err, apperrors.ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound, got %v", err)
	}
	q, err := g.SymbolTick(ctx, "EURUSD")
	if err != nil || !q.Usable() {
		t.Fatalf("SymbolTick = %+v, %v", q, err)
	}

	positions, err := g.Positions(ctx, Filter{Ticket: 77})
	if err != nil || len(positions) != 1 || positions[0].Ticket != 77 {
		t.Fatalf("Positions = %+v, %v", positions, err)
	}

	res, err := g.OrderSend(ctx, &OrderRequest{Action: ActionDeal, Symbol: "EURUSD", Volume: 0.1})
	if err != nil || res.Retcode != RetcodeDone || res.Volume != 0.1 {
		t.Fatalf("OrderSend = %+v, %v", res, err)
	}
}

func TestGatewayTerminalErrors(t *testing.T) {
	srv := newGatewayServer(t)
	g := NewGatewayTerminal(GatewayConfig{BaseURL: srv.URL})
	ctx := context.Background()

	_, err := g.TerminalInfo(ctx)
	var be *apperrors.BrokerError
	if !apperrors.As(err, &be) || be.Code != "500" {
		t.Fatalf("expected 500 broker error, got %v", err)
	}

	srv.Close()
	_, err = g.AccountInfo(ctx)
	if !apperrors.Is(err, apperrors.ErrConnectionFailed) || !apperrors.IsRetryable(err) {
		t.Fatalf("transport failure should be a retryable connection error, got %v", err)
	}
}
