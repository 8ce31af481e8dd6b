package trading

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"mt5-trader/internal/broker"
	"mt5-trader/internal/models"
	"mt5-trader/pkg/utils"
)

// scriptTerminal is a paper terminal whose sends and position queries can be
// overridden per test.
type scriptTerminal struct {
	*broker.PaperTerminal

	mu   sync.Mutex
	sent []broker.OrderRequest

	// send handles the n-th request (1-based). Returning (nil, nil) falls
	// through to the paper simulation.
	send func(n int, req *broker.OrderRequest) (*broker.SendResult, error)
	// positions replaces the paper position book when set.
	positions func() []models.Position
}

func newScriptTerminal() *scriptTerminal {
	return &scriptTerminal{PaperTerminal: broker.NewPaperTerminal(broker.PaperTerminalConfig{})}
}

func (f *scriptTerminal) OrderSend(ctx context.Context, req *broker.OrderRequest) (*broker.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, *req)
	n := len(f.sent)
	fn := f.send
	f.mu.Unlock()

	if fn != nil {
		res, err := fn(n, req)
		if res != nil || err != nil {
			return res, err
		}
	}
	return f.PaperTerminal.OrderSend(ctx, req)
}

func (f *scriptTerminal) Positions(ctx context.Context, filter broker.Filter) ([]models.Position, error) {
	if f.positions == nil {
		return f.PaperTerminal.Positions(ctx, filter)
	}
	var out []models.Position
	for _, p := range f.positions() {
		if filter.Ticket != 0 && p.Ticket != filter.Ticket {
			continue
		}
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// sends returns the number of requests of the given action.
func (f *scriptTerminal) sends(action broker.TradeAction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sent {
		if r.Action == action {
			n++
		}
	}
	return n
}

func fastPolicy() utils.RetryPolicy {
	p := utils.DefaultRetryPolicy()
	p.Multiplier = 0
	p.MinWait = 0
	p.MaxWait = 0
	return p
}

func newTestService(t *testing.T, term broker.Terminal) *Service {
	t.Helper()
	session := broker.NewSession(term, broker.SessionConfig{ConnectAttempts: 1}, zerolog.Nop())
	if ok, err := session.Connect(context.Background(), broker.Credentials{Login: 1, Server: "Paper"}); !ok {
		t.Fatalf("connect failed: %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.SettleDelay = 0
	cfg.Policy = fastPolicy()
	return NewService(session, cfg, zerolog.Nop())
}

func ptr(v float64) *float64 { return &v }
