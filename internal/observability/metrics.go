package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmine",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wsmine",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	searchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmine",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests by outcome.",
		},
		[]string{"outcome"},
	)
	searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wsmine",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Time spent scanning a counter range.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"outcome"},
	)
	candidatesHashed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsmine",
			Subsystem: "search",
			Name:      "candidates_hashed_total",
			Help:      "Candidate payloads hashed.",
		},
	)
	matchesFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsmine",
			Subsystem: "search",
			Name:      "matches_total",
			Help:      "Matching counters streamed to clients.",
		},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wsmine",
			Subsystem: "search",
			Name:      "active_connections",
			Help:      "Connections currently holding a worker slot.",
		},
	)
)

// Search outcomes used as metric labels.
const (
	OutcomeStreamed = "streamed"
	OutcomeNotFound = "not_found"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			searchRequests,
			searchDuration,
			candidatesHashed,
			matchesFound,
			activeConns,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSearch records one finished request. hashed and matched are zero for
// requests rejected before a scan.
func RecordSearch(outcome string, hashed, matched uint64, duration time.Duration) {
	RegisterMetrics()
	searchRequests.WithLabelValues(outcome).Inc()
	if hashed > 0 || outcome == OutcomeStreamed || outcome == OutcomeNotFound {
		searchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
	candidatesHashed.Add(float64(hashed))
	matchesFound.Add(float64(matched))
}

func ConnOpened() {
	RegisterMetrics()
	activeConns.Inc()
}

func ConnClosed() {
	RegisterMetrics()
	activeConns.Dec()
}
