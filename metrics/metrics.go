// Package metrics holds the Prometheus instruments of the cache and the resolver.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fetchcache"

type Metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheWrites      *prometheus.CounterVec
	cacheWriteErrors prometheus.Counter
	evictions        prometheus.Counter
	expirations      prometheus.Counter
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	coalesced        prometheus.Counter
	exhausted        prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of requests served from cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of requests that had to be fetched",
		}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Total number of cache writes by tier",
		}, []string{"tier"}),
		cacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_errors_total",
			Help:      "Total number of failed cache writes",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted to satisfy size or count limits",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Total number of expired entries removed",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "attempts_total",
			Help:      "Total number of fetch attempts by strategy and outcome",
		}, []string{"strategy", "outcome", "kind"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of fetch attempts by strategy",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"strategy"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "coalesced_total",
			Help:      "Total number of requests that shared an in-flight resolution",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "exhausted_total",
			Help:      "Total number of resolutions where every strategy failed",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.cacheHits, m.cacheMisses, m.cacheWrites, m.cacheWriteErrors, m.evictions,
			m.expirations, m.attempts, m.attemptDuration, m.coalesced, m.exhausted,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheWrite(tier string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheWriteErrors.Inc()
		return
	}
	m.cacheWrites.WithLabelValues(tier).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *Metrics) Expired(n int) {
	if m != nil && n > 0 {
		m.expirations.Add(float64(n))
	}
}

// Attempt records one fetch attempt. kind is empty for successes.
func (m *Metrics) Attempt(strategy, outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(strategy, outcome, kind).Inc()
	m.attemptDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) Coalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

func (m *Metrics) Exhausted() {
	if m != nil {
		m.exhausted.Inc()
	}
}
