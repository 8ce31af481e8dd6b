package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trader/internal/models"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), WithCallID(logger, "c-1"))
	ctxLogger := FromContext(ctx)
	ctxLogger.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line: %v", err)
	}
	if line["call_id"] != "c-1" {
		t.Fatalf("call_id missing from %v", line)
	}

	// No logger in context yields a no-op logger rather than a panic.
	nopLogger := FromContext(context.Background())
	nopLogger.Info().Msg("dropped")
}

func TestLogResultLevels(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	logger := WithOperation(zerolog.New(&buf), "open")

	LogResult(logger, models.Failed("verification_failed", "failed after 3 attempts"), time.Second)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line: %v", err)
	}
	if line["level"] != "error" || line["code"] != "verification_failed" || line["operation"] != "open" {
		t.Fatalf("unexpected log line %v", line)
	}
}
