package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordResolution("continued", "continue_active", 5*time.Millisecond)
	m.RecordResolution("continued", "continue_active", 7*time.Millisecond)
	m.RecordSignal("semantic", 10*time.Millisecond, true, false)
	m.RecordSignal("semantic", 50*time.Millisecond, false, true)
	m.RecordSignal("intent", time.Millisecond, false, false)
	m.RecordFallback("signals")
	m.RecordDuplicate()
	m.CacheHit()
	m.CacheMiss()
	m.RecordAdjustment("split_requested")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("continued", "continue_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalUnavailable.WithLabelValues("semantic", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalUnavailable.WithLabelValues("intent", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks.WithLabelValues("signals")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileAdjustments.WithLabelValues("split_requested")))

	// Timed out observations carry no meaningful latency; failed ones do.
	assert.Equal(t, 2, testutil.CollectAndCount(m.SignalDuration, "threadkeeper_signal_duration_seconds"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordResolution("created", "no_candidates", time.Millisecond)
		m.RecordSignal("semantic", time.Millisecond, false, true)
		m.RecordFallback("store")
		m.RecordDuplicate()
		m.CacheHit()
		m.CacheMiss()
		m.RecordAdjustment("merge_requested")
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
