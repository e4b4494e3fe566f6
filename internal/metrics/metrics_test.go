package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgboss/pgboss/internal/kinds"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LifecycleState.Set(4)
	m.ChildExits.WithLabelValues("session", "clean").Inc()
	m.ConnRejections.WithLabelValues("too-many").Inc()
	m.CancelRequests.WithLabelValues("delivered").Inc()

	fams, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(fams))
	for _, f := range fams {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"pgboss_lifecycle_state",
		"pgboss_connections_allowed",
		"pgboss_live_children",
		"pgboss_child_exits_total",
		"pgboss_crash_cascades_total",
		"pgboss_shared_memory_reinits_total",
		"pgboss_bgworker_starts_total",
		"pgboss_connection_rejections_total",
		"pgboss_cancel_requests_total",
	} {
		assert.True(t, names[want], want)
	}
}

func TestLiveChildrenPreSeeded(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	fams, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range fams {
		if f.GetName() == "pgboss_live_children" {
			assert.Len(t, f.GetMetric(), len(kinds.All()), "one zeroed series per kind")
			return
		}
	}
	t.Fatal("pgboss_live_children not gathered")
}

func TestNopIsIsolated(t *testing.T) {
	// Two Nop sets must not collide, the way a crash-restart cycle builds
	// a fresh set.
	assert.NotPanics(t, func() {
		Nop()
		Nop()
	})
}
