package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHealthMonitorAggregatesWorstStatus(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("terminal", ConnectionHealthCheck(func(ctx context.Context) bool { return true }))
	m.RegisterComponent("redis", PingHealthCheck(func(ctx context.Context) error { return nil }, 0))

	if got := m.Check(context.Background()); got.Status != HealthStatusHealthy || len(got.Components) != 2 {
		t.Fatalf("expected healthy with 2 components, got %+v", got)
	}

	m.RegisterComponent("journal", PingHealthCheck(func(ctx context.Context) error { return errors.New("locked") }, 0))
	got := m.Check(context.Background())
	if got.Status != HealthStatusUnhealthy {
		t.Fatalf("status = %s, want UNHEALTHY", got.Status)
	}
	if got.Components[0].Name != "journal" {
		t.Fatalf("components should be sorted by name, got %s first", got.Components[0].Name)
	}
}

func TestHealthMonitorRecoversPanickingCheck(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("broken", func(ctx context.Context) ComponentHealth { panic("nil handle") })
	got := m.Check(context.Background())
	if got.Status != HealthStatusUnhealthy || len(got.Components) != 1 {
		t.Fatalf("panicking check should be unhealthy, got %+v", got)
	}
}

func TestCircuitBreakerHealthCheck(t *testing.T) {
	cb := NewCircuitBreaker("order_send", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}, zerolog.Nop())
	check := CircuitBreakerHealthCheck(cb)
	if h := check(context.Background()); h.Status != HealthStatusHealthy {
		t.Fatalf("closed breaker should be healthy, got %s", h.Status)
	}
	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	if h := check(context.Background()); h.Status != HealthStatusUnhealthy {
		t.Fatalf("open breaker should be unhealthy, got %s", h.Status)
	}
}
