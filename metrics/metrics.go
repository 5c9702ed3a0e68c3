// Package metrics holds the Prometheus collectors shared by the host packages.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnhost",
			Subsystem: "host",
			Name:      "invocations_total",
			Help:      "Component invocations by outcome.",
		},
		[]string{"outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fnhost",
			Subsystem: "host",
			Name:      "invocation_duration_seconds",
			Help:      "Time from link to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	ioids = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnhost",
			Subsystem: "dispatch",
			Name:      "ioids_total",
			Help:      "IOIDs by lifecycle event.",
		},
		[]string{"event"},
	)
	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fnhost",
			Subsystem: "dispatch",
			Name:      "results_pending",
			Help:      "Delivered results not yet polled.",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnhost",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by cache name and result.",
		},
		[]string{"cache", "result"},
	)
	keysetFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fnhost",
			Subsystem: "jwt",
			Name:      "keyset_fetches_total",
			Help:      "Key set fetches by result.",
		},
		[]string{"result"},
	)
)

// Register adds every collector to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(invocations, invocationDuration, ioids, pending, cacheLookups, keysetFetches)
	})
}

// RecordInvocation counts one finished invocation.
func RecordInvocation(outcome string, d time.Duration) {
	invocations.WithLabelValues(outcome).Inc()
	invocationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordIOID counts an IOID event: minted, delivered, polled, dropped.
func RecordIOID(event string) {
	ioids.WithLabelValues(event).Inc()
}

// SetPending reports the result store size.
func SetPending(n int) {
	pending.Set(float64(n))
}

// RecordCacheLookup counts a hit or miss on the named cache.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordKeySetFetch counts a key set fetch by result.
func RecordKeySetFetch(result string) {
	keysetFetches.WithLabelValues(result).Inc()
}
