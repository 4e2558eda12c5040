package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recorderd"

// Metrics holds Prometheus collectors for the recorder. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	segmentsTotal     *prometheus.CounterVec
	segmentBytesTotal prometheus.Counter
	segmentDuration   prometheus.Histogram
	mountChecksTotal  *prometheus.CounterVec
	mountFreeBytes    prometheus.Gauge
	backoffsTotal     *prometheus.CounterVec
	state             *prometheus.GaugeVec
	lastFinalized     prometheus.Gauge
	recoveredTotal    prometheus.Counter
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
}

// New creates and registers the recorder metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		segmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Resolved segment attempts by status and cause",
		}, []string{"status", "cause"}),
		segmentBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_bytes_total",
			Help:      "Bytes published in finalized segments",
		}),
		segmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Probed duration of finalized segments",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
		}),
		mountChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mount_checks_total",
			Help:      "Storage mount checks by status and reason",
		}, []string{"status", "reason"}),
		mountFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mount_free_bytes",
			Help:      "Free bytes reported by the last mount check",
		}),
		backoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoffs_total",
			Help:      "Backoff waits by kind",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current recorder state, 1 for the active state",
		}, []string{"state"}),
		lastFinalized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_finalized_timestamp_seconds",
			Help:      "Unix time of the last finalized segment",
		}),
		recoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_files_total",
			Help:      "Stale .part files quarantined at startup",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of status HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Status HTTP responses with status 4xx or 5xx",
		}),
	}

	registry.MustRegister(
		m.segmentsTotal,
		m.segmentBytesTotal,
		m.segmentDuration,
		m.mountChecksTotal,
		m.mountFreeBytes,
		m.backoffsTotal,
		m.state,
		m.lastFinalized,
		m.recoveredTotal,
		m.requestsTotal,
		m.errorsTotal,
	)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSegment records a resolved segment attempt.
func (m *Metrics) ObserveSegment(status, cause string, bytes int64, observed time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(status, cause).Inc()
	if status != "finalized" {
		return
	}
	m.segmentBytesTotal.Add(float64(bytes))
	if observed > 0 {
		m.segmentDuration.Observe(observed.Seconds())
	}
	m.lastFinalized.Set(float64(at.Unix()))
}

// ObserveMountCheck records a guard verdict.
func (m *Metrics) ObserveMountCheck(status, reason string, freeBytes uint64) {
	if m == nil {
		return
	}
	m.mountChecksTotal.WithLabelValues(status, reason).Inc()
	m.mountFreeBytes.Set(float64(freeBytes))
}

// IncBackoff counts a backoff wait of the given kind.
func (m *Metrics) IncBackoff(kind string) {
	if m == nil {
		return
	}
	m.backoffsTotal.WithLabelValues(kind).Inc()
}

// SetState marks current as the active state among all. The old state is
// cleared before current is set, so a scrape never sees two active states.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		if s != current {
			m.state.WithLabelValues(s).Set(0)
		}
	}
	m.state.WithLabelValues(current).Set(1)
}

// AddRecovered counts files quarantined by the startup sweep.
func (m *Metrics) AddRecovered(n int) {
	if m == nil {
		return
	}
	m.recoveredTotal.Add(float64(n))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
