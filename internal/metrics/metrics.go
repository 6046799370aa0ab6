// Package metrics declares the Prometheus collectors for the federation engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "federa"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Count of original requests executed by federated connections, by request kind.",
		},
		[]string{"kind"},
	)
	subrequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subrequests_total",
			Help:      "Count of projected requests dispatched to each source.",
		},
		[]string{"source"},
	)
	executeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_duration_seconds",
			Help:      "Wall time of Connection.Execute.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)
	forkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fork_duration_seconds",
			Help:      "Time spent forking one batch into projected requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)
	joinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_duration_seconds",
			Help:      "Time spent joining projected results back onto one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Merge plan cache lookups by result (fresh, stale, miss).",
		},
		[]string{"result"},
	)
	openConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open federated connections per repository.",
		},
		[]string{"repository"},
	)
)

// Cache lookup results.
const (
	CacheFresh = "fresh"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

var registerMetrics sync.Once

// Register all metrics with reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(requestsTotal)
		reg.MustRegister(subrequestsTotal)
		reg.MustRegister(executeDuration)
		reg.MustRegister(forkDuration)
		reg.MustRegister(joinDuration)
		reg.MustRegister(cacheLookups)
		reg.MustRegister(openConnections)
	})
}

// RecordRequest counts one original request of the given kind.
func RecordRequest(kind string) {
	requestsTotal.WithLabelValues(kind).Inc()
}

// RecordSubrequest counts one projected request sent to source.
func RecordSubrequest(source string) {
	subrequestsTotal.WithLabelValues(source).Inc()
}

func RecordExecute(d time.Duration) { executeDuration.Observe(d.Seconds()) }
func RecordFork(d time.Duration)    { forkDuration.Observe(d.Seconds()) }
func RecordJoin(d time.Duration)    { joinDuration.Observe(d.Seconds()) }

// RecordCacheLookup counts a plan cache lookup with the given result.
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// SetOpenConnections publishes the open connection count of a repository.
func SetOpenConnections(repository string, n int64) {
	openConnections.WithLabelValues(repository).Set(float64(n))
}
