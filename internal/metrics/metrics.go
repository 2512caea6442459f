// Package metrics exposes the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	CreditsReserved     prometheus.Counter
	CreditsConsumed     prometheus.Counter
	CreditsRefunded     prometheus.Counter
	ReservationFailures *prometheus.CounterVec
	BillingWarnings     *prometheus.CounterVec
	ToolExecutions      *prometheus.CounterVec
	MalformedRetries    prometheus.Counter
	DegradedTurns       prometheus.Counter
	WorkflowViolations  *prometheus.CounterVec
	TurnDuration        *prometheus.HistogramVec
	ActiveRuns          prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			CreditsReserved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "archetype_credits_reserved_total",
				Help: "Credits moved from available to reserved",
			}),
			CreditsConsumed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "archetype_credits_consumed_total",
				Help: "Credits settled as consumed at run completion",
			}),
			CreditsRefunded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "archetype_credits_refunded_total",
				Help: "Reserved credits returned to available at run completion",
			}),
			ReservationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "archetype_reservation_failures_total",
				Help: "Credit reservations that failed, by reason",
			}, []string{"reason"}),
			BillingWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "archetype_billing_warnings_total",
				Help: "Monthly allowance threshold warnings emitted, by level",
			}, []string{"level"}),
			ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "archetype_tool_executions_total",
				Help: "Tool executions by tool and status",
			}, []string{"tool", "status"}),
			MalformedRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "archetype_malformed_call_retries_total",
				Help: "Corrective retries issued after a malformed function call",
			}),
			DegradedTurns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "archetype_degraded_turns_total",
				Help: "Turns that ended with a degraded text result",
			}),
			WorkflowViolations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "archetype_workflow_violations_total",
				Help: "Workflow violations by kind and enforcement mode",
			}, []string{"kind", "mode"}),
			TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "archetype_turn_duration_seconds",
				Help:    "Engine turn duration by result kind",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			}, []string{"result"}),
			ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "archetype_active_runs",
				Help: "Runs currently executing a chat loop",
			}),
		}
	})
	return metricsInstance
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) Reserved(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.CreditsReserved.Add(float64(credits))
}

func (m *Metrics) Settled(consumed, refunded int64) {
	if m == nil {
		return
	}
	if consumed > 0 {
		m.CreditsConsumed.Add(float64(consumed))
	}
	if refunded > 0 {
		m.CreditsRefunded.Add(float64(refunded))
	}
}

func (m *Metrics) ReservationFailed(reason string) {
	if m == nil {
		return
	}
	m.ReservationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Warning(level string) {
	if m == nil {
		return
	}
	m.BillingWarnings.WithLabelValues(level).Inc()
}

func (m *Metrics) ToolExecuted(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) MalformedRetry() {
	if m == nil {
		return
	}
	m.MalformedRetries.Inc()
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.DegradedTurns.Inc()
}

func (m *Metrics) Violation(kind string, strict bool) {
	if m == nil {
		return
	}
	mode := "passive"
	if strict {
		mode = "strict"
	}
	m.WorkflowViolations.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) ObserveTurn(result string, started time.Time) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}
