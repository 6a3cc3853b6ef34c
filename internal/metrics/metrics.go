// Package metrics exposes delivery progress to Prometheus.
package metrics

import (
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics ...
type Metrics struct {
	attempts  *prometheus.CounterVec
	invalid   *prometheus.CounterVec
	backoffs  *prometheus.CounterVec
	converged *prometheus.CounterVec
	remaining *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkpush",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts made per shard.",
		}, []string{"shard"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkpush",
			Name:      "invalid_tokens_total",
			Help:      "Tokens reported invalid and retired.",
		}, []string{"shard"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkpush",
			Name:      "backoffs_total",
			Help:      "Backoff sleeps taken after invalid token reports.",
		}, []string{"shard"}),
		converged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkpush",
			Name:      "shards_converged_total",
			Help:      "Shards that finished with no invalid tokens reported.",
		}, []string{"shard"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkpush",
			Name:      "shard_remaining_tokens",
			Help:      "Estimated tokens left in a shard file.",
		}, []string{"shard"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulkpush",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single delivery attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"shard"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.invalid, m.backoffs, m.converged, m.remaining, m.duration)
	}
	return m
}

func label(shard string) string {
	return filepath.Base(shard)
}

// CountAttempt records one delivery attempt and how long it took.
func (m *Metrics) CountAttempt(shard string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(label(shard)).Inc()
	m.duration.WithLabelValues(label(shard)).Observe(d.Seconds())
}

// CountInvalid ...
func (m *Metrics) CountInvalid(shard string, n int) {
	if m == nil {
		return
	}
	m.invalid.WithLabelValues(label(shard)).Add(float64(n))
}

// CountBackoff ...
func (m *Metrics) CountBackoff(shard string) {
	if m == nil {
		return
	}
	m.backoffs.WithLabelValues(label(shard)).Inc()
}

// CountConverged ...
func (m *Metrics) CountConverged(shard string) {
	if m == nil {
		return
	}
	m.converged.WithLabelValues(label(shard)).Inc()
}

// SetRemaining ...
func (m *Metrics) SetRemaining(shard string, n int64) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(label(shard)).Set(float64(n))
}
