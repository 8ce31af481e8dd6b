package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mt5-trader/internal/config"
	"mt5-trader/internal/models"
	"mt5-trader/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Store.Enabled = false
	cfg.Security.AuditEnabled = false
	cfg.Trading.SettleDelay = 0
	cfg.Retry.MinWait = 0
	cfg.Retry.MaxWait = 0
	cfg.Terminal.ConnectDelay = 0
	return cfg
}

func run(cfg *config.Config, args ...string) (string, error) {
	root := NewRootCmd(cfg, zerolog.Nop())
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := run(testConfig(t), "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got["version"] != Version {
		t.Fatalf("version = %q, want %q", got["version"], Version)
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.MT5.Login = 5012345
	cfg.Credentials.MT5.Password = "supersecretpassword"
	cfg.Credentials.Telegram.BotToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	for _, args := range [][]string{{"config", "show"}, {"config", "show", "--json"}} {
		out, err := run(cfg, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if strings.Contains(out, "supersecretpassword") || strings.Contains(out, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
			t.Fatalf("%v leaked a secret:\n%s", args, out)
		}
		if !strings.Contains(out, "5012345") {
			t.Fatalf("%v should show the login:\n%s", args, out)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(cfg, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Terminal.Mode = "live"
	out, err := run(cfg, "config", "validate")
	if err == nil {
		t.Fatal("unknown terminal mode should fail validation")
	}
	if !strings.Contains(out, "invalid terminal mode") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestPaperBuyIsJournaled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = true
	cfg.Store.Path = filepath.Join(cfg.Dir, "journal.db")

	out, err := run(cfg, "buy", "eurusd", "--volume", "0.1", "--json")
	if err != nil {
		t.Fatalf("buy: %v\n%s", err, out)
	}
	var res models.TradeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.OK() || res.Ticket == 0 || res.Symbol != "EURUSD" {
		t.Fatalf("unexpected result: %+v", res)
	}

	journal, err := store.NewSQLiteJournal(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	events, err := journal.RecentEvents(context.Background(), store.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 1 || events[0].Operation != models.OpOpen {
		t.Fatalf("expected one open event, got %+v", events)
	}
}

func TestBuyRequiresSize(t *testing.T) {
	if _, err := run(testConfig(t), "buy", "EURUSD"); err == nil {
		t.Fatal("buy without --volume or --amount should fail")
	}
	if _, err := run(testConfig(t), "buy", "EURUSD", "--volume", "0.1", "--amount", "100"); err == nil {
		t.Fatal("--volume and --amount together should fail")
	}
}

func TestReadOnlyRefusesTrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.ReadOnlyMode = true

	out, err := run(cfg, "buy", "EURUSD", "--volume", "0.1", "--json")
	if err == nil {
		t.Fatalf("read-only mode should refuse the order:\n%s", out)
	}
	var res models.TradeResult
	if jerr := json.Unmarshal([]byte(out), &res); jerr != nil {
		t.Fatalf("decode %q: %v", out, jerr)
	}
	if res.Code != "read_only" {
		t.Fatalf("code = %q, want read_only", res.Code)
	}
}

func TestCloseAllWithNoPositions(t *testing.T) {
	out, err := run(testConfig(t), "positions", "close-all", "--json")
	if err != nil {
		t.Fatalf("close-all: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty array, got %q", out)
	}
}

func TestTableAlignsColumns(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", false, "")
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	table := NewTable(NewOutput(cmd), "Ticket", "Symbol")
	table.AddRow("100001", "EURUSD")
	table.AddRow("7", "XAUUSD.m")
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, separator and two rows, got %q", lines)
	}
	col := strings.Index(lines[0], "Symbol")
	for _, line := range lines[2:] {
		if strings.Index(line, "EURUSD") != col && strings.Index(line, "XAUUSD.m") != col {
			t.Fatalf("column misaligned in %q (want offset %d)", line, col)
		}
	}
}

func TestVisibleLenIgnoresStyles(t *testing.T) {
	if got := visibleLen(styleBold.Sprint("Ticket")); got != 6 {
		t.Fatalf("visibleLen = %d, want 6", got)
	}
	if got := visibleLen(styleRed.Sprint("-12.50") + " lots"); got != 11 {
		t.Fatalf("visibleLen = %d, want 11", got)
	}
}

// Property: parseTicket accepts exactly the positive decimal integers.
func TestProperty_ParseTicket(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("positive tickets round-trip", prop.ForAll(
		func(ticket uint64) bool {
			got, err := parseTicket(strconv.FormatUint(ticket, 10))
			if ticket == 0 {
				return err != nil
			}
			return err == nil && got == ticket
		},
		gen.UInt64(),
	))

	properties.Property("non-numeric input is rejected", prop.ForAll(
		func(s string) bool {
			_, err := parseTicket("#" + s)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
