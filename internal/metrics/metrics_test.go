package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Packets.WithLabelValues("sent", "MESSAGE").Inc()
	m.Packets.WithLabelValues("sent", "MESSAGE").Inc()
	m.Leases.Set(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues("sent", "MESSAGE")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.Leases))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewWithoutRegistryIsIsolated(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.SendFailures.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(a.SendFailures))
	require.Equal(t, 0.0, testutil.ToFloat64(b.SendFailures))
}
