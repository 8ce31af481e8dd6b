package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"mt5-trader/internal/config"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

type bufferCloser struct{ bytes.Buffer }

func (b *bufferCloser) Close() error { return nil }

func decodeLines(t *testing.T, buf *bufferCloser) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("invalid audit line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestAuditLogTrade(t *testing.T) {
	buf := &bufferCloser{}
	al := newAuditLogger(buf, zerolog.Nop())
	al.SetAccount(5012345, "MetaQuotes-Demo")

	fail := models.Failed("not_found", "Position 8 not found")
	fail.Ticket = 8
	al.LogTrade(context.Background(), models.TradeEvent{
		CallID:    "call-1",
		Operation: models.OpCloseAll,
		Results:   []models.TradeResult{models.Succeeded(7, "EURUSD", "Position closed successfully").WithProfit(3.5), fail},
		Timestamp: time.Now().UTC(),
	})

	events := decodeLines(t, buf)
	if len(events) != 2 {
		t.Fatalf("expected one line per result, got %d", len(events))
	}
	if events[0].EventType != AuditBatchClose || events[0].Ticket != 7 || !events[0].Success || events[0].Details["profit"] != 3.5 {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Success || events[1].ErrorMsg != "not_found" || events[1].Account != "5012345@MetaQuotes-Demo" || events[1].CallID != "call-1" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if events[0].SessionID == "" || events[0].SessionID != events[1].SessionID {
		t.Fatalf("session id should be stable per logger")
	}
}

func TestAuditScrubsSecrets(t *testing.T) {
	buf := &bufferCloser{}
	al := newAuditLogger(buf, zerolog.Nop())

	err := al.Log(context.Background(), AuditEvent{
		EventType: AuditConnectFailed,
		ErrorMsg:  "login rejected password=hunter2hunter2",
		Details:   map[string]interface{}{"password": "hunter2hunter2", "server": "MetaQuotes-Demo"},
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if strings.Contains(buf.String(), "hunter2hunter2") {
		t.Fatalf("audit line leaked a secret: %s", buf.String())
	}
	events := decodeLines(t, buf)
	if events[0].Details["server"] != "MetaQuotes-Demo" {
		t.Fatalf("plain details should survive, got %+v", events[0].Details)
	}
}

func TestAuditLoggerWritesFile(t *testing.T) {
	cfg := DefaultAuditConfig()
	cfg.LogDir = t.TempDir()
	al, err := NewAuditLogger(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer al.Close()
	if err := al.LogConnection(context.Background(), 1, "Paper", false, "bad password"); err != nil {
		t.Fatalf("LogConnection: %v", err)
	}
}

func TestReadOnlyGuard(t *testing.T) {
	buf := &bufferCloser{}
	ac := NewAccessController(false, newAuditLogger(buf, zerolog.Nop()))

	for _, op := range WriteOperations() {
		if err := ac.Allow(op); err != nil {
			t.Fatalf("%s should be allowed: %v", op, err)
		}
	}

	ac.SetReadOnly(true)
	for _, op := range WriteOperations() {
		err := ac.Allow(op)
		if !apperrors.Is(err, apperrors.ErrReadOnlyMode) || apperrors.KindOf(err) != apperrors.KindReadOnly {
			t.Fatalf("%s should be blocked with read-only error, got %v", op, err)
		}
	}
	if err := ac.Allow("quote"); err != nil {
		t.Fatalf("non-trade operations are not guarded: %v", err)
	}

	events := decodeLines(t, buf)
	if events[0].EventType != AuditModeChanged || len(events) != 1+len(WriteOperations()) {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestMasking(t *testing.T) {
	if got := MaskCredential("supersecretpassword"); got != "supe***********word" {
		t.Fatalf("MaskCredential = %q", got)
	}
	if got := MaskURL("https://discord.com/api/webhooks/123/abcdef"); got != "https://discord.com/***" {
		t.Fatalf("MaskURL = %q", got)
	}

	msg := `Post "https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/sendMessage": dial tcp: timeout`
	masked := MaskSensitive(msg)
	if strings.Contains(masked, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw") || !strings.Contains(masked, "dial tcp") {
		t.Fatalf("telegram token leaked: %q", masked)
	}
	if got := MaskSensitive("login failed password=hunter2hunter2"); got != "login failed password=hunt******ter2" {
		t.Fatalf("MaskSensitive = %q", got)
	}

	creds := config.Credentials{}
	creds.MT5.Password = "hunter2hunter2"
	m := MaskedCredentials(creds)
	if m["mt5"].(map[string]interface{})["password"] == "hunter2hunter2" {
		t.Fatalf("password not masked")
	}
}

// Property: A masked credential never contains the hidden middle of the
// original value and always has the same length.
func TestProperty_MaskCredentialHidesMiddle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("masked value keeps length and hides middle", prop.ForAll(
		func(secret string) bool {
			masked := MaskCredential(secret)
			if len(masked) != len(secret) {
				return false
			}
			if len(secret) > 8 {
				middle := secret[4 : len(secret)-4]
				return masked[4:len(masked)-4] == strings.Repeat("*", len(middle))
			}
			return masked != secret || secret == ""
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestValidateSymbol(t *testing.T) {
	for _, s := range []string{"EURUSD", "US30.cash", "XAUUSD#", "BTCUSD"} {
		if err := ValidateSymbol(s); err != nil {
			t.Errorf("%s should be valid: %v", s, err)
		}
	}
	for _, s := range []string{"", "EUR USD", "../etc", "EURUSD;DROP"} {
		if err := ValidateSymbol(s); apperrors.KindOf(err) != apperrors.KindValidation {
			t.Errorf("%q should be invalid, got %v", s, err)
		}
	}
	if got := SanitizeSymbol("  eurusd.m "); got != "EURUSD.m" {
		t.Fatalf("SanitizeSymbol = %q", got)
	}
	if ValidateIdempotencyKey("9f1c2d3e-aaaa-bbbb-cccc-1234567890ab") != nil || ValidateIdempotencyKey("bad key") == nil {
		t.Fatalf("idempotency key validation wrong")
	}
}
