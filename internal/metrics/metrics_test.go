package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()

	require.NotNil(t, m.Registry)
	assert.NotNil(t, m.FetchesTotal)
	assert.NotNil(t, m.SnapshotsStoredTotal)
	assert.NotNil(t, m.BroadcastDuration)
	assert.NotNil(t, m.HTTPRequestsTotal)
}

func TestCountersAccumulate(t *testing.T) {
	m := New()

	m.FetchesTotal.WithLabelValues("realtime", "ok").Inc()
	m.FetchesTotal.WithLabelValues("realtime", "ok").Inc()
	m.FetchesTotal.WithLabelValues("static", "error").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("realtime", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("static", "error")))
}

func TestGaugesTrackSetAndDec(t *testing.T) {
	m := New()

	m.ConnectedClients.Inc()
	m.ConnectedClients.Inc()
	m.ConnectedClients.Dec()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))

	m.StaticSnapshotsHeld.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaticSnapshotsHeld))
}

func TestSeparateInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.BroadcastsTotal.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.BroadcastsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BroadcastsTotal))
}
