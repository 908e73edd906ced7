// Package metrics exposes dispatcher metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/toolcall"
)

// Collector implements dispatch.Recorder.
type Collector struct {
	Dispatches      *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	Violations      *prometheus.CounterVec
	Approvals       *prometheus.CounterVec
	ApprovalWait    prometheus.Histogram
	ActiveSessions  prometheus.Gauge
}

// NewCollector registers the tool runner metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_runner_dispatches_total",
			Help: "Tool calls dispatched, by tool, mode, terminal state and outcome",
		}, []string{"tool", "mode", "state", "outcome"}),
		DispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_runner_dispatch_duration_seconds",
			Help:    "Time from receipt to result, approval wait included",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"mode", "outcome"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_runner_sandbox_violations_total",
			Help: "Real-mode calls blocked by the argument guard",
		}, []string{"tool"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_runner_approvals_total",
			Help: "User approval decisions",
		}, []string{"granted"}),
		ApprovalWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tool_runner_approval_wait_seconds",
			Help:    "Time spent waiting for a user decision",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "tool_runner_active_sessions",
			Help: "Currently open dispatch sessions",
		}),
	}
}

func (c *Collector) ObserveResult(res toolcall.Result, state dispatch.State, latency time.Duration) {
	c.Dispatches.WithLabelValues(res.ToolID, string(res.Mode), string(state), string(res.Outcome)).Inc()
	c.DispatchLatency.WithLabelValues(string(res.Mode), string(res.Outcome)).Observe(latency.Seconds())
	if res.Violation {
		c.Violations.WithLabelValues(res.ToolID).Inc()
	}
}

func (c *Collector) ObserveApproval(granted bool, wait time.Duration) {
	c.Approvals.WithLabelValues(strconv.FormatBool(granted)).Inc()
	c.ApprovalWait.Observe(wait.Seconds())
}

func (c *Collector) SessionOpened() { c.ActiveSessions.Inc() }

func (c *Collector) SessionEnded() { c.ActiveSessions.Dec() }

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
