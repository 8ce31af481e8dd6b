package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("order_send", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}, zerolog.Nop())

	boom := errors.New("transport down")
	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected transport error, got %v", i, err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open circuit must reject without calling fn, err=%v called=%v", err, called)
	}
	if cb.Stats().TotalRejected != 1 {
		t.Fatalf("rejected = %d, want 1", cb.Stats().TotalRejected)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("order_send", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Millisecond,
	}, zerolog.Nop())

	var transitions []CircuitState
	cb.OnStateChange(func(_ string, _, to CircuitState) { transitions = append(transitions, to) })

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	time.Sleep(5 * time.Millisecond)

	v, err := ExecuteWithResult(cb, context.Background(), func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("half-open probe failed: v=%d err=%v", v, err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreakerSkipsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("order_send", DefaultCircuitBreakerConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	if err := cb.Execute(ctx, func() error { called = true; return nil }); !errors.Is(err, context.Canceled) || called {
		t.Fatalf("cancelled context should short-circuit, err=%v called=%v", err, called)
	}
}
