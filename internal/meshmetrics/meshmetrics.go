// Package meshmetrics exposes Prometheus counters and gauges for the
// ingress process (A3 of SPEC_FULL.md): registry size,
// session frame/byte traffic, and dispatch outcomes. Grounded in the
// wider example pack's use of github.com/prometheus/client_golang
// (e.g. yth01-kgateway's translator metrics), wired here directly via
// promauto rather than through a custom metrics-registry abstraction,
// since the mesh has a single process-wide registry and no multi-tenant
// label hierarchy to justify one.
package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "anywhere_mesh"

var (
	// RegistrySize tracks the live hostname -> session count (C3).
	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_sessions",
		Help:      "Number of sessions currently bound in the registry.",
	})

	// RegistryBinds counts every successful Bind call, including
	// reconnect-reclaims-own-slot replacements.
	RegistryBinds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_binds_total",
		Help:      "Total number of successful registry bind operations.",
	})

	// SessionFramesTotal counts frames moved per session direction
	// ("in"/"out"), per spec.md §5's per-session reader/writer tasks.
	SessionFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_frames_total",
		Help:      "Total frames read from or written to agent sessions.",
	}, []string{"direction"})

	// SessionBytesTotal counts bytes moved per session direction.
	SessionBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_bytes_total",
		Help:      "Total bytes read from or written to agent sessions.",
	}, []string{"direction"})

	// DispatchOutcomes counts Session.Dispatch outcomes by result label,
	// mirroring the HTTP status mapping of spec.md §4.5 point 6.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_outcomes_total",
		Help:      "Session dispatch outcomes by result.",
	}, []string{"result"})

	// HandshakeOutcomes counts wsingress (C6) handshake results.
	HandshakeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_outcomes_total",
		Help:      "WebSocket handshake outcomes by result.",
	}, []string{"result"})

	// ForwardDuration observes end-to-end handleForward latency.
	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "forward_duration_seconds",
		Help:      "Latency of proxied HTTP requests from accept to response write.",
		Buckets:   prometheus.DefBuckets,
	})
)

// gaugeAdapter and counterAdapter satisfy registry.gaugeSetter/counter
// without registry importing prometheus directly.
type gaugeAdapter struct{ g prometheus.Gauge }

func (a gaugeAdapter) Set(v float64) { a.g.Set(v) }

type counterAdapter struct{ c prometheus.Counter }

func (a counterAdapter) Inc() { a.c.Inc() }

// RegistryGauge adapts RegistrySize for registry.Registry.SetGauge.
func RegistryGauge() interface{ Set(float64) } { return gaugeAdapter{RegistrySize} }

// RegistryBindCounter adapts RegistryBinds for registry.Registry.SetBindCounter.
func RegistryBindCounter() interface{ Inc() } { return counterAdapter{RegistryBinds} }

// ObserveDispatch records one Dispatch outcome.
func ObserveDispatch(result string) {
	DispatchOutcomes.WithLabelValues(result).Inc()
}

// ObserveHandshake records one handshake outcome.
func ObserveHandshake(result string) {
	HandshakeOutcomes.WithLabelValues(result).Inc()
}

// ObserveFrame records one frame moved in the given direction ("in"/"out")
// along with its byte size.
func ObserveFrame(direction string, bytes int) {
	SessionFramesTotal.WithLabelValues(direction).Inc()
	SessionBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}
