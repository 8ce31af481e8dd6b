// Package metrics exposes execution statistics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
	"mt5-trader/internal/resilience"
)

const namespace = "mt5_trader"

// Recorder collects trade pipeline metrics on its own registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	trades    *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	durations *prometheus.HistogramVec
	connected prometheus.Gauge
	breaker   *prometheus.GaugeVec
}

// NewRecorder creates a recorder with Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Finished trade operations by outcome",
		}, []string{"operation", "status", "code"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Submission and verification steps",
		}, []string{"operation", "stage", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by the supervisor",
		}, []string{"operation"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of trade operations including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"operation"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_connected",
			Help:      "1 while the terminal session is connected",
		}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
	}

	r.registry.MustRegister(
		r.trades, r.attempts, r.retries, r.durations, r.connected, r.breaker,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveResult counts a finished operation and its duration.
func (r *Recorder) ObserveResult(op models.Operation, result models.TradeResult, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.trades.WithLabelValues(string(op), string(result.Status), result.Code).Inc()
	r.durations.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// ObserveAttempt counts one pipeline step. Failed steps are labelled with
// their error kind.
func (r *Recorder) ObserveAttempt(op models.Operation, stage string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
	}
	r.attempts.WithLabelValues(string(op), stage, outcome).Inc()
}

// ObserveRetry counts a scheduled retry.
func (r *Recorder) ObserveRetry(op models.Operation) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(string(op)).Inc()
}

// SetConnected records the terminal connection state.
func (r *Recorder) SetConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

// ObserveBreaker records a circuit breaker transition. Its signature matches
// CircuitBreaker.OnStateChange.
func (r *Recorder) ObserveBreaker(name string, _, to resilience.CircuitState) {
	if r == nil {
		return
	}
	var v float64
	switch to {
	case resilience.CircuitHalfOpen:
		v = 1
	case resilience.CircuitOpen:
		v = 2
	}
	r.breaker.WithLabelValues(name).Set(v)
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as queue
// drops or connected WebSocket clients.
func (r *Recorder) RegisterGaugeFunc(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
