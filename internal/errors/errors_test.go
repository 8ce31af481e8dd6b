package errors

import (
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"sizing", &SizingError{Symbol: "BTCUSD", Amount: 1}, KindSizing},
		{"rejection", &RejectionError{Action: "Order", Retcode: 10019}, KindRejected},
		{"verification", &VerificationError{Ticket: 1, Reason: "missing"}, KindVerification},
		{"exhausted wins over its cause", &ExhaustedError{Attempts: 3, Last: &VerificationError{Ticket: 1}}, KindExhausted},
		{"validation", NewValidationError("volume", -1, "must be positive"), KindValidation},
		{"wrapped invalid intent", fmt.Errorf("build: %w", ErrInvalidIntent), KindValidation},
		{"read only", NewSecurityError("open", "blocked", ErrReadOnlyMode), KindReadOnly},
		{"quote", Wrap(ErrQuoteUnavailable, "EURUSD"), KindQuoteUnavailable},
		{"position", PositionNotFound(42), KindNotFound},
		{"order", OrderNotFound(42), KindNotFound},
		{"symbol", Wrapf(ErrSymbolNotFound, "symbol %s", "FOO"), KindNotFound},
		{"not connected", ErrNotConnected, KindConnection},
		{"login", Wrap(ErrLoginFailed, "connect"), KindConnection},
		{"transport", NewBrokerError("HTTP", "gateway unreachable", nil), KindConnection},
		{"unknown", New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&RejectionError{Retcode: 10004, Transient: true}, true},
		{&RejectionError{Retcode: 10019}, false},
		{&VerificationError{Ticket: 7, Reason: "volume mismatch"}, true},
		{NewBrokerError("HTTP", "timeout", ErrTimeout), true},
		{Wrap(ErrTimeout, "order_send"), true},
		{&SizingError{}, false},
		{NewValidationError("symbol", "", "required"), false},
		{PositionNotFound(1), false},
		{ErrReadOnlyMode, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestExhaustedUnwrapsBoth(t *testing.T) {
	last := &RejectionError{Action: "Close", Retcode: 10006, Comment: "Request rejected"}
	err := Wrap(&ExhaustedError{Attempts: 3, Last: last}, "close 100001")

	if !Is(err, ErrRetriesExhausted) {
		t.Fatal("exhausted error should match ErrRetriesExhausted")
	}
	if !Is(err, ErrSubmissionRejected) {
		t.Fatal("exhausted error should expose its last cause")
	}
	var rej *RejectionError
	if !As(err, &rej) || rej.Retcode != 10006 {
		t.Fatalf("expected the last rejection, got %v", rej)
	}
}

func TestSizingErrorMessage(t *testing.T) {
	small := &SizingError{Symbol: "BTCUSD", Amount: 5, LimitAmount: 650.5, LimitVolume: 0.01}
	if got, want := small.Error(), "Amount too small. Minimum required amount: $650.50 USD (minimum volume: 0.01 lots)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !Is(small, ErrAmountTooSmall) {
		t.Fatal("small amount should match ErrAmountTooSmall")
	}

	large := &SizingError{Symbol: "BTCUSD", TooLarge: true, LimitAmount: 6505000, LimitVolume: 100}
	if !Is(large, ErrAmountTooLarge) {
		t.Fatal("large amount should match ErrAmountTooLarge")
	}
}
