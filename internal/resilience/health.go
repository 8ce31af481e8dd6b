package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency_ns"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitor runs registered component checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	startTime  time.Time
	timeout    time.Duration
	components map[string]HealthCheck
}

// NewHealthMonitor creates a health monitor whose checks share a timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		startTime:  time.Now(),
		timeout:    timeout,
		components: make(map[string]HealthCheck),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every component check concurrently and aggregates the result.
// A panicking check is reported as unhealthy.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ComponentHealth, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name, check := i, name, components[name]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = ComponentHealth{
						Name:      name,
						Status:    HealthStatusUnhealthy,
						Message:   fmt.Sprintf("Panic recovered: %v", r),
						LastCheck: time.Now(),
					}
				}
			}()

			start := time.Now()
			health := check(ctx)
			health.Name = name
			health.LastCheck = time.Now()
			health.Latency = time.Since(start)
			results[i] = health
			return nil
		})
	}
	// Checks report failures in their result, never as an error.
	_ = g.Wait()

	out := SystemHealth{
		Status:     HealthStatusHealthy,
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		StartTime:  m.startTime,
		Goroutines: runtime.NumGoroutine(),
	}
	out.Components = results
	for _, h := range results {
		switch h.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	return out
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	StartTime  time.Time         `json:"start_time"`
	Goroutines int               `json:"goroutines"`
	Components []ComponentHealth `json:"components"`
}

// ConnectionHealthCheck reports a component that is either connected or not.
func ConnectionHealthCheck(probe func(ctx context.Context) bool) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if probe(ctx) {
			return ComponentHealth{Status: HealthStatusHealthy, Message: "connected"}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "disconnected"}
	}
}

// CircuitBreakerHealthCheck reports an open breaker as unhealthy and a
// half-open one as degraded.
func CircuitBreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		health := ComponentHealth{
			Details: map[string]interface{}{
				"state":            stats.State,
				"total_failures":   stats.TotalFailures,
				"current_failures": stats.CurrentFailures,
			},
		}
		switch stats.State {
		case CircuitOpen:
			health.Status = HealthStatusUnhealthy
			health.Message = "circuit open"
		case CircuitHalfOpen:
			health.Status = HealthStatusDegraded
			health.Message = "circuit half-open"
		default:
			health.Status = HealthStatusHealthy
		}
		return health
	}
}

// PingHealthCheck creates a health check for a dependency with a ping method.
// A slow but successful ping is reported as degraded.
func PingHealthCheck(ping func(ctx context.Context) error, slow time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start)

		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
		}
		if slow > 0 && latency > slow {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("slow: %v", latency)}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}
