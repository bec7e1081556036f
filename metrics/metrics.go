// Package metrics counts bridge traffic with Prometheus collectors held in a
// private registry. The bridge has no HTTP surface, so the values are reported
// through the health method via Snapshot.
//
// Usage:
//
//	m := metrics.New()
//	m.CallerRequest("turn.run", metrics.OutcomeOK)
//	m.CodexCall("turn/start", metrics.OutcomeError, elapsed)
package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codex_bridge"

// Outcomes used as label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds every collector the bridge updates. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// CallerRequests counts caller-facing requests.
	// Labels: method, outcome (ok|error)
	CallerRequests *prometheus.CounterVec

	// CodexCalls counts calls issued to the app-server.
	// Labels: method, outcome (ok|error|timeout)
	CodexCalls *prometheus.CounterVec

	// CodexCallDuration measures app-server call latency in seconds.
	// Labels: method
	CodexCallDuration *prometheus.HistogramVec

	// RuntimeSpawns counts app-server processes started.
	RuntimeSpawns prometheus.Counter

	// RuntimeExits counts app-server processes that went away.
	RuntimeExits prometheus.Counter

	// PendingRequests is the number of calls awaiting a response.
	PendingRequests prometheus.Gauge

	// Events counts events written to the caller.
	// Labels: type
	Events *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		CallerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "caller_requests_total",
				Help:      "Caller requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		CodexCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "codex_calls_total",
				Help:      "Calls issued to the codex app-server by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		CodexCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "codex_call_duration_seconds",
				Help:      "Latency of calls to the codex app-server",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"method"},
		),
		RuntimeSpawns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_spawns_total",
			Help:      "App-server processes started",
		}),
		RuntimeExits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_exits_total",
			Help:      "App-server processes that exited or were shut down",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Calls to the app-server awaiting a response",
		}),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events written to the caller by type",
			},
			[]string{"type"},
		),
	}
}

// CallerRequest records one handled caller request.
func (m *Metrics) CallerRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.CallerRequests.WithLabelValues(method, outcome).Inc()
}

// CodexCall records one finished app-server call.
func (m *Metrics) CodexCall(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CodexCalls.WithLabelValues(method, outcome).Inc()
	m.CodexCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RuntimeSpawned records an app-server start.
func (m *Metrics) RuntimeSpawned() {
	if m == nil {
		return
	}
	m.RuntimeSpawns.Inc()
}

// RuntimeExited records an app-server exit.
func (m *Metrics) RuntimeExited() {
	if m == nil {
		return
	}
	m.RuntimeExits.Inc()
}

// PendingAdd adjusts the pending request gauge.
func (m *Metrics) PendingAdd(delta int) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(float64(delta))
}

// Event records one caller event.
func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}

// Snapshot flattens the registry into "name{label="value",...}" keys.
// Histograms report their sample count.
func (m *Metrics) Snapshot() map[string]float64 {
	out := map[string]float64{}
	if m == nil {
		return out
	}
	families, err := m.Registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"=\""+lp.GetValue()+"\"")
			}
			sort.Strings(labels)
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}
