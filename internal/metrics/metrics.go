// Package metrics exposes Prometheus instrumentation for thread resolution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the resolver. A nil *Metrics is valid
// and records nothing.
//
// Metrics:
//   - threadkeeper_resolutions_total{action,rule} - resolutions by outcome
//   - threadkeeper_resolution_duration_seconds - end-to-end Resolve latency
//   - threadkeeper_signal_duration_seconds{signal} - Observe latency per signal
//   - threadkeeper_signal_unavailable_total{signal,reason} - degraded signals
//   - threadkeeper_fallback_total{reason} - temporal fallback activations
//   - threadkeeper_duplicates_total - duplicate submissions absorbed
//   - threadkeeper_cache_hits_total / threadkeeper_cache_misses_total
//   - threadkeeper_profile_adjustments_total{kind} - learning steps applied
type Metrics struct {
	Resolutions        *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	SignalDuration     *prometheus.HistogramVec
	SignalUnavailable  *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	Duplicates         prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	ProfileAdjustments *prometheus.CounterVec
}

// New registers the resolver metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_resolutions_total",
				Help: "Total number of thread resolutions by action and decision rule",
			},
			[]string{"action", "rule"},
		),
		ResolutionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threadkeeper_resolution_duration_seconds",
				Help:    "Duration of thread resolution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
			},
		),
		SignalDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadkeeper_signal_duration_seconds",
				Help:    "Duration of signal observation in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
			},
			[]string{"signal"},
		),
		SignalUnavailable: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_signal_unavailable_total",
				Help: "Total number of signals that degraded to a neutral score",
			},
			[]string{"signal", "reason"}, // "timeout" or "error"
		),
		Fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_fallback_total",
				Help: "Total number of resolutions decided by the temporal fallback",
			},
			[]string{"reason"}, // "signals" or "store"
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Name: "threadkeeper_duplicates_total",
				Help: "Total number of duplicate submissions answered with an earlier resolution",
			},
		),
		CacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "threadkeeper_cache_hits_total",
				Help: "Total number of thread cache hits",
			},
		),
		CacheMisses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "threadkeeper_cache_misses_total",
				Help: "Total number of thread cache misses",
			},
		),
		ProfileAdjustments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_profile_adjustments_total",
				Help: "Total number of behavior profile adjustments applied",
			},
			[]string{"kind"},
		),
	}
}

// RecordResolution records a completed resolution.
func (m *Metrics) RecordResolution(action, rule string, took time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(action, rule).Inc()
	m.ResolutionDuration.Observe(took.Seconds())
}

// RecordSignal records one signal observation.
func (m *Metrics) RecordSignal(signal string, took time.Duration, available, timedOut bool) {
	if m == nil {
		return
	}
	if !timedOut || available {
		m.SignalDuration.WithLabelValues(signal).Observe(took.Seconds())
	}
	if available {
		return
	}
	reason := "error"
	if timedOut {
		reason = "timeout"
	}
	m.SignalUnavailable.WithLabelValues(signal, reason).Inc()
}

// RecordFallback records a temporal fallback decision.
func (m *Metrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(reason).Inc()
}

// RecordDuplicate records an absorbed duplicate submission.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// CacheHit records a thread cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// CacheMiss records a thread cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordAdjustment records a profile adjustment.
func (m *Metrics) RecordAdjustment(kind string) {
	if m == nil {
		return
	}
	m.ProfileAdjustments.WithLabelValues(kind).Inc()
}
