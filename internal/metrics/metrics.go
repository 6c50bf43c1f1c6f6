// Package metrics holds the Prometheus collectors for the allocator and the
// HTTP facade. Collectors live on a dedicated registry so that embedding
// dynport in another binary never collides with the host's default registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dynport"

// Operation outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeExhausted = "exhausted"
	OutcomeTimeout   = "lock_timeout"
	OutcomeStopped   = "not_running"
	OutcomeError     = "error"
	OutcomeNoop      = "noop"
)

// Registry is the registry every dynport collector is registered on. The
// HTTP facade serves it at /metrics.
var Registry = prometheus.NewRegistry()

var (
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Allocator operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of allocator operations including lock wait and disk I/O.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
	freePorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_ports",
			Help:      "Free ports in the most recently observed state.",
		},
	)
	usedPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_ports",
			Help:      "Used ports in the most recently observed state.",
		},
	)
	saveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "State file writes that failed and were recorded as last_error.",
		},
	)
	recoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_recoveries_total",
			Help:      "Times an untrusted state file was rebuilt from the configured range.",
		},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Occupancy probe errors that fell back to the lowest free port.",
		},
		[]string{"probe"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by route and status code.",
		},
		[]string{"route", "code"},
	)
)

var registerMetrics sync.Once

// Register adds every collector to Registry, plus the Go runtime and process
// collectors. Safe to call more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			operations,
			operationDuration,
			freePorts,
			usedPorts,
			saveFailures,
			recoveries,
			probeFailures,
			httpRequests,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// RecordOperation counts one allocator operation and observes its duration.
func RecordOperation(op, outcome string, elapsed time.Duration) {
	operations.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordPool sets the free/used gauges.
func RecordPool(free, used int) {
	freePorts.Set(float64(free))
	usedPorts.Set(float64(used))
}

// RecordSaveFailure counts a soft save failure.
func RecordSaveFailure() {
	saveFailures.Inc()
}

// RecordRecovery counts a corrupt-state rebuild.
func RecordRecovery() {
	recoveries.Inc()
}

// RecordProbeFailure counts a probe error for the named probe.
func RecordProbeFailure(probe string) {
	probeFailures.WithLabelValues(probe).Inc()
}

// RecordHTTPRequest counts one served HTTP request.
func RecordHTTPRequest(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}
