package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheHit()
	m.CacheMiss()
	m.CacheWrite("raw", nil)
	m.Evicted(3)
	m.Expired(1)
	m.Attempt("native", "success", "", time.Second)
	m.Coalesced()
	m.Exhausted()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.CacheHit()
	m.CacheHit()
	m.CacheWrite("raw", nil)
	m.CacheWrite("raw", errors.New("disk full"))
	m.Evicted(2)
	m.Attempt("native", "error", "blocked", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheWrites.WithLabelValues("raw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheWriteErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("native", "error", "blocked")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
