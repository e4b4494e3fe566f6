// Package metrics exposes the supervisor's observability surface as
// Prometheus collectors: lifecycle state, live-child counts by kind,
// crash cascades, bgworker restarts, and connection rejections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgboss/pgboss/internal/kinds"
)

// Metrics bundles every collector the supervisor updates. Collectors are
// registered against an explicit Registerer so tests (and crash-restart
// cycles) never trip the default registry's duplicate check.
type Metrics struct {
	LifecycleState prometheus.Gauge
	ConnsAllowed   prometheus.Gauge
	LiveChildren   *prometheus.GaugeVec
	ChildExits     *prometheus.CounterVec
	CrashCascades  prometheus.Counter
	ShmReinits     prometheus.Counter
	BgworkerStarts prometheus.Counter
	ConnRejections *prometheus.CounterVec
	CancelRequests *prometheus.CounterVec
}

// New builds and registers the supervisor's collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgboss_lifecycle_state",
			Help: "Current lifecycle state as its enum ordinal (0=init .. 10=no-children).",
		}),
		ConnsAllowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgboss_connections_allowed",
			Help: "1 when new session connections are admitted, 0 otherwise.",
		}),
		LiveChildren: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgboss_live_children",
			Help: "Live child processes by kind.",
		}, []string{"kind"}),
		ChildExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgboss_child_exits_total",
			Help: "Child exits by kind and disposition (clean, fatal, crash).",
		}, []string{"kind", "disposition"}),
		CrashCascades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgboss_crash_cascades_total",
			Help: "Times the supervisor initiated the crash cascade.",
		}),
		ShmReinits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgboss_shared_memory_reinits_total",
			Help: "Shared-memory reprovisionings after a crash cascade.",
		}),
		BgworkerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgboss_bgworker_starts_total",
			Help: "Background worker launches, including restarts.",
		}),
		ConnRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgboss_connection_rejections_total",
			Help: "Connections turned away by the admitter, by reason.",
		}, []string{"reason"}),
		CancelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgboss_cancel_requests_total",
			Help: "Cancel-request packets by outcome (delivered, mismatch, unknown_pid).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.LifecycleState, m.ConnsAllowed, m.LiveChildren, m.ChildExits,
		m.CrashCascades, m.ShmReinits, m.BgworkerStarts, m.ConnRejections,
		m.CancelRequests,
	)
	// Pre-seed the per-kind gauges so scrapes show zeros instead of
	// missing series while a kind has never run.
	for _, k := range kinds.All() {
		m.LiveChildren.WithLabelValues(k.String()).Set(0)
	}
	return m
}

// Nop returns a Metrics wired to a throwaway registry, for tests and for
// CLI modes that never serve a scrape endpoint.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
