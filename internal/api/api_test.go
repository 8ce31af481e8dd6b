package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"mt5-trader/internal/automation"
	"mt5-trader/internal/config"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/resilience"
	"mt5-trader/internal/store"
)

// stubService answers every call from canned values and counts trades.
type stubService struct {
	mu     sync.Mutex
	calls  map[string]int
	result models.TradeResult
	panics bool
}

func newStub() *stubService {
	return &stubService{
		calls:  map[string]int{},
		result: models.Succeeded(42, "EURUSD", "Order placed successfully"),
	}
}

func (s *stubService) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubService) hit(name string) models.TradeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	return s.result
}

func (s *stubService) PlaceMarketOrder(_ context.Context, _ models.TradeIntent) models.TradeResult {
	return s.hit("open")
}
func (s *stubService) ClosePosition(_ context.Context, _ uint64) models.TradeResult {
	return s.hit("close")
}
func (s *stubService) ModifyPosition(_ context.Context, _ uint64, _ models.ModifyRequest) models.TradeResult {
	return s.hit("modify")
}
func (s *stubService) HedgePosition(_ context.Context, _ uint64) models.TradeResult {
	return s.hit("hedge")
}
func (s *stubService) CloseAll(_ context.Context) []models.TradeResult {
	s.hit("close_all")
	if s.panics {
		panic("boom")
	}
	return []models.TradeResult{
		models.Succeeded(1, "EURUSD", "Position closed successfully").WithProfit(2),
		models.Failed("not_found", "Position 2 not found"),
	}
}
func (s *stubService) PlacePendingOrder(_ context.Context, _ models.PendingOrderRequest) models.TradeResult {
	return s.hit("pending")
}
func (s *stubService) CancelPendingOrder(_ context.Context, _ uint64) models.TradeResult {
	return s.hit("cancel")
}
func (s *stubService) Positions(_ context.Context, symbol string) ([]models.Position, error) {
	if s.panics {
		panic("boom")
	}
	return []models.Position{{Ticket: 7, Symbol: "EURUSD", Side: models.SideBuy, Volume: 0.1}}, nil
}
func (s *stubService) PendingOrders(_ context.Context, _ string) ([]models.PendingOrder, error) {
	return nil, nil
}
func (s *stubService) SymbolInfo(_ context.Context, symbol string) (*models.SymbolInfo, error) {
	if symbol != "EURUSD" {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "symbol %s", symbol)
	}
	return &models.SymbolInfo{Symbol: "EURUSD", Digits: 5}, nil
}
func (s *stubService) Quote(_ context.Context, symbol string) (*models.Quote, error) {
	return &models.Quote{Symbol: symbol, Bid: 1.1, Ask: 1.1002}, nil
}
func (s *stubService) MinAmount(_ context.Context, _ string) (float64, error) { return 110.0, nil }
func (s *stubService) AccountInfo(_ context.Context) (*models.AccountInfo, error) {
	return nil, apperrors.ErrNotConnected
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{Mode: "test", ShutdownTimeout: time.Second}
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
}

const orderBody = `{"symbol":"EURUSD","order_type":"BUY","volume":0.1}`

func TestMarketOrderStatusMapping(t *testing.T) {
	svc := newStub()
	h := NewServer(svc, testConfig(), zerolog.Nop()).Handler()

	rec := do(h, "POST", "/trading/market-order", orderBody, nil)
	var res models.TradeResult
	decode(t, rec, &res)
	if rec.Code != 200 || res.Ticket != 42 {
		t.Fatalf("expected 200 with ticket 42, got %d %s", rec.Code, rec.Body)
	}

	svc.result = models.Failed("quote_unavailable", "No quote for EURUSD")
	svc.result.Attempts = 3
	rec = do(h, "POST", "/trading/market-order", orderBody, nil)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != 400 || body.Code != "quote_unavailable" || body.Attempts != 3 {
		t.Fatalf("expected 400 quote_unavailable, got %d %s", rec.Code, rec.Body)
	}
}

func TestRequestValidation(t *testing.T) {
	svc := newStub()
	h := NewServer(svc, testConfig(), zerolog.Nop()).Handler()

	cases := []struct{ method, path, body string }{
		{"POST", "/trading/market-order", `{not json`},
		{"POST", "/trading/market-order", `{"symbol":"EUR USD","order_type":"BUY","volume":1}`},
		{"DELETE", "/positions/abc", ``},
		{"DELETE", "/positions/0", ``},
		{"GET", "/market/quote/bad;symbol", ``},
	}
	for _, tc := range cases {
		rec := do(h, tc.method, tc.path, tc.body, nil)
		var body errorBody
		decode(t, rec, &body)
		if rec.Code != 400 || body.Code != string(apperrors.KindValidation) {
			t.Fatalf("%s %s: expected 400 validation_error, got %d %s", tc.method, tc.path, rec.Code, rec.Body)
		}
	}
	if svc.count("open")+svc.count("close") != 0 {
		t.Fatalf("invalid requests must not reach the service")
	}
}

func TestQueryErrors(t *testing.T) {
	h := NewServer(newStub(), testConfig(), zerolog.Nop()).Handler()

	if rec := do(h, "GET", "/market/symbols/XAUUSD", "", nil); rec.Code != 404 {
		t.Fatalf("unknown symbol should be 404, got %d", rec.Code)
	}
	rec := do(h, "GET", "/account", "", nil)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != 400 || body.Code != "connection_error" {
		t.Fatalf("expected 400 connection_error, got %d %s", rec.Code, rec.Body)
	}
	rec = do(h, "GET", "/market/min-amount/EURUSD", "", nil)
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"min_amount":110`) {
		t.Fatalf("unexpected min amount response %s", rec.Body)
	}
}

func TestCloseAllReturnsEveryResult(t *testing.T) {
	h := NewServer(newStub(), testConfig(), zerolog.Nop()).Handler()
	rec := do(h, "POST", "/positions/close-all", "", nil)
	var results []models.TradeResult
	decode(t, rec, &results)
	if rec.Code != 200 || len(results) != 2 || results[1].Code != "not_found" {
		t.Fatalf("unexpected close-all response %d %s", rec.Code, rec.Body)
	}
}

func TestRoutesReachService(t *testing.T) {
	svc := newStub()
	h := NewServer(svc, testConfig(), zerolog.Nop()).Handler()

	do(h, "DELETE", "/positions/7", "", nil)
	do(h, "POST", "/positions/7/modify", `{"stop_loss":1.05}`, nil)
	do(h, "POST", "/positions/hedge/7", "", nil)
	do(h, "POST", "/orders/pending", `{"symbol":"EURUSD","type":"BUY_LIMIT","price":1.05,"volume":0.1}`, nil)
	do(h, "DELETE", "/orders/pending/9", "", nil)

	for _, name := range []string{"close", "modify", "hedge", "pending", "cancel"} {
		if svc.count(name) != 1 {
			t.Fatalf("%s: expected one call, got %d", name, svc.count(name))
		}
	}
	if rec := do(h, "GET", "/orders/pending", "", nil); rec.Body.String() != "[]" {
		t.Fatalf("empty list should encode as [], got %s", rec.Body)
	}
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	svc := newStub()
	srv := NewServer(svc, testConfig(), zerolog.Nop())
	srv.SetIdempotency(store.NewMemoryIdempotency(time.Hour))
	h := srv.Handler()

	key := map[string]string{headerIdempotencyKey: "order-1"}
	first := do(h, "POST", "/trading/market-order", orderBody, key)
	second := do(h, "POST", "/trading/market-order", orderBody, key)

	if svc.count("open") != 1 {
		t.Fatalf("service executed %d times for one key", svc.count("open"))
	}
	if second.Header().Get(headerReplayed) != "true" || second.Body.String() != first.Body.String() || second.Code != first.Code {
		t.Fatalf("replay mismatch: %d %s vs %d %s", first.Code, first.Body, second.Code, second.Body)
	}

	do(h, "POST", "/trading/market-order", orderBody, map[string]string{headerIdempotencyKey: "order-2"})
	if svc.count("open") != 2 {
		t.Fatalf("a new key must execute")
	}
}

func TestIdempotencyInProgressConflict(t *testing.T) {
	svc := newStub()
	idem := store.NewMemoryIdempotency(time.Hour)
	srv := NewServer(svc, testConfig(), zerolog.Nop())
	srv.SetIdempotency(idem)
	h := srv.Handler()

	idem.Reserve(context.Background(), "DELETE /positions/7 close-7")
	rec := do(h, "DELETE", "/positions/7", "", map[string]string{headerIdempotencyKey: "close-7"})
	if rec.Code != http.StatusConflict || svc.count("close") != 0 {
		t.Fatalf("expected 409 without execution, got %d", rec.Code)
	}

	rec = do(h, "DELETE", "/positions/7", "", map[string]string{headerIdempotencyKey: "bad key!"})
	if rec.Code != 400 {
		t.Fatalf("malformed key should be rejected, got %d", rec.Code)
	}
}

func TestInternalErrorResultIs500(t *testing.T) {
	svc := newStub()
	h := NewServer(svc, testConfig(), zerolog.Nop()).Handler()

	svc.result = models.Failed("internal_error", "internal error during trade attempt")
	rec := do(h, "DELETE", "/positions/7", "", nil)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusInternalServerError || body.Code != "internal_error" {
		t.Fatalf("expected 500 internal_error, got %d %s", rec.Code, rec.Body)
	}

	svc.result = models.Failed("not_found", "Position 7 not found")
	if rec := do(h, "DELETE", "/positions/7", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("a missing ticket on close is a trade failure, got %d", rec.Code)
	}
}

func TestIdempotencyKeyReleasedAfterPanic(t *testing.T) {
	svc := newStub()
	svc.panics = true
	srv := NewServer(svc, testConfig(), zerolog.Nop())
	srv.SetIdempotency(store.NewMemoryIdempotency(time.Hour))
	h := srv.Handler()
	headers := map[string]string{headerIdempotencyKey: "close-all-1"}

	if rec := do(h, "POST", "/positions/close-all", "", headers); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from the panicking handler, got %d", rec.Code)
	}

	svc.panics = false
	rec := do(h, "POST", "/positions/close-all", "", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after a 500 should run again, got %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(headerReplayed) != "" || svc.count("close_all") != 2 {
		t.Fatalf("retry should execute, not replay (calls=%d)", svc.count("close_all"))
	}
}

func TestRecoveryReturns500(t *testing.T) {
	svc := newStub()
	svc.panics = true
	h := NewServer(svc, testConfig(), zerolog.Nop()).Handler()

	rec := do(h, "GET", "/positions", "", nil)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != 500 || body.Code != "internal_error" {
		t.Fatalf("expected 500 internal_error, got %d %s", rec.Code, rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	svc := newStub()
	srv := NewServer(svc, testConfig(), zerolog.Nop())
	srv.SetRateLimiter(NewRateLimiter(0.001, 1))
	h := srv.Handler()

	if rec := do(h, "POST", "/trading/market-order", orderBody, nil); rec.Code != 200 {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := do(h, "POST", "/trading/market-order", orderBody, nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := do(h, "GET", "/positions", "", nil); rec.Code != 200 {
		t.Fatalf("reads are not rate limited, got %d", rec.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	l := NewRateLimiter(10, 2)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastUpdate = now

	if !l.Allow() || !l.Allow() || l.Allow() {
		t.Fatalf("burst of 2 expected")
	}
	now = now.Add(100 * time.Millisecond)
	if !l.Allow() {
		t.Fatalf("one token should refill after 100ms at 10/s")
	}
	if NewRateLimiter(0, 0).Allow() == false {
		t.Fatalf("zero rate disables limiting")
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer(newStub(), testConfig(), zerolog.Nop())
	monitor := resilience.NewHealthMonitor(time.Second)
	connected := true
	monitor.RegisterComponent("terminal", resilience.ConnectionHealthCheck(func(context.Context) bool { return connected }))
	srv.SetHealth(monitor)
	h := srv.Handler()

	if rec := do(h, "GET", "/health", "", nil); rec.Code != 200 {
		t.Fatalf("healthy terminal should be 200, got %d", rec.Code)
	}
	connected = false
	if rec := do(h, "GET", "/health", "", nil); rec.Code != 503 {
		t.Fatalf("disconnected terminal should be 503, got %d", rec.Code)
	}
}

func TestAutomationRoutes(t *testing.T) {
	svc := newStub()
	mgr := automation.NewManager(svc, automation.DefaultConfig(), zerolog.Nop())
	srv := NewServer(svc, testConfig(), zerolog.Nop())
	srv.SetAutomation(mgr)
	h := srv.Handler()

	rec := do(h, "POST", "/automation/scheduled",
		`{"intent":{"symbol":"EURUSD","order_type":"BUY","volume":0.1},"execution_time":"09:30","schedule_type":"daily"}`, nil)
	var created struct{ ID string }
	decode(t, rec, &created)
	if rec.Code != 200 || created.ID == "" {
		t.Fatalf("schedule failed: %d %s", rec.Code, rec.Body)
	}

	rec = do(h, "POST", "/automation/conditional", `{"intent":{"symbol":"EURUSD","order_type":"BUY","volume":0.1},"conditions":[]}`, nil)
	if rec.Code != 400 {
		t.Fatalf("conditional without conditions should be 400, got %d", rec.Code)
	}

	rec = do(h, "POST", "/automation/grid", `{"symbol":"EURUSD","step_size":0.005,"grid_levels":2,"volume_per_level":0.01}`, nil)
	if rec.Code != 200 || svc.count("pending") != 4 {
		t.Fatalf("grid setup failed: %d %s", rec.Code, rec.Body)
	}

	do(h, "POST", "/automation/start", "", nil)
	var state automation.State
	decode(t, do(h, "GET", "/automation", "", nil), &state)
	if !state.Running || len(state.Scheduled) != 1 || len(state.Grids) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	do(h, "POST", "/automation/stop", "", nil)

	if rec := do(h, "DELETE", "/automation/"+created.ID, "", nil); rec.Code != 200 {
		t.Fatalf("remove failed: %d", rec.Code)
	}
	if rec := do(h, "DELETE", "/automation/"+created.ID, "", nil); rec.Code != 404 {
		t.Fatalf("second remove should be 404, got %d", rec.Code)
	}
}

func TestJournalRoutes(t *testing.T) {
	journal, err := store.NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	defer journal.Close()
	ctx := context.Background()
	journal.RecordAttempt(ctx, models.AttemptRecord{CallID: "c1", Operation: models.OpOpen, Attempt: 1, Stage: "submit", At: time.Now().UTC()})
	journal.RecordEvent(ctx, models.TradeEvent{
		CallID: "c1", Operation: models.OpOpen, Symbol: "EURUSD",
		Results: []models.TradeResult{models.Succeeded(5, "EURUSD", "ok")}, Timestamp: time.Now().UTC(),
	})

	srv := NewServer(newStub(), testConfig(), zerolog.Nop())
	srv.SetJournal(journal)
	h := srv.Handler()

	var events []models.TradeEvent
	decode(t, do(h, "GET", "/journal?symbol=EURUSD&limit=10", "", nil), &events)
	if len(events) != 1 || events[0].CallID != "c1" {
		t.Fatalf("unexpected events %+v", events)
	}
	var attempts []models.AttemptRecord
	decode(t, do(h, "GET", "/journal/c1/attempts", "", nil), &attempts)
	if len(attempts) != 1 || attempts[0].Stage != "submit" {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	if rec := do(h, "GET", "/journal/missing/attempts", "", nil); rec.Code != 404 {
		t.Fatalf("unknown call should be 404, got %d", rec.Code)
	}
	if rec := do(h, "GET", "/journal?limit=0", "", nil); rec.Code != 400 {
		t.Fatalf("bad limit should be 400, got %d", rec.Code)
	}
	if rec := do(h, "GET", "/journal/stats?since=1h", "", nil); rec.Code != 200 {
		t.Fatalf("stats failed: %d", rec.Code)
	}
}

// Property: Any number of repeats of a request with the same
// Idempotency-Key executes the trade exactly once and every repeat returns
// the first response.
func TestProperty_IdempotentRepeatsExecuteOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("one execution per key", prop.ForAll(
		func(repeats int, failing bool) bool {
			svc := newStub()
			if failing {
				svc.result = models.Failed("submission_rejected", "rejected")
			}
			srv := NewServer(svc, testConfig(), zerolog.Nop())
			srv.SetIdempotency(store.NewMemoryIdempotency(time.Hour))
			h := srv.Handler()

			key := map[string]string{headerIdempotencyKey: "k"}
			first := do(h, "POST", "/trading/market-order", orderBody, key)
			for i := 0; i < repeats; i++ {
				rec := do(h, "POST", "/trading/market-order", orderBody, key)
				if rec.Code != first.Code || rec.Body.String() != first.Body.String() {
					return false
				}
			}
			return svc.count("open") == 1
		},
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
