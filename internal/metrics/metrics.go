// Package metrics provides Prometheus metrics for vfsd.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fruitsalade/vfs/pkg/cache"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_content_bytes_served_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	// File object cache
	cacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_cache_events_total",
			Help: "File object cache hits, misses, puts, removals, evictions, reclaims and store shutdowns",
		},
		[]string{"policy", "event"},
	)

	// File systems
	fileSystemsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfs_file_systems_open",
			Help: "Number of open file systems",
		},
		[]string{"scheme"},
	)

	fileSystemsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_file_systems_opened_total",
			Help: "Total file systems opened",
		},
		[]string{"scheme"},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"scheme", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_backend_operations_total",
			Help: "Total backend operations",
		},
		[]string{"scheme", "operation", "status"},
	)

	// Archives
	archiveIndexDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_archive_index_duration_seconds",
			Help:    "Time to index a container",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	archiveEntries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_archive_entries",
			Help:    "Number of index nodes per indexed container",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"format"},
	)

	// Replicas
	replicaBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_replica_bytes",
			Help: "Bytes held in the replica directory",
		},
	)

	replicaFetchedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_replica_fetched_bytes_total",
			Help: "Total bytes copied into the replica directory",
		},
	)

	replicaFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vfs_replica_fetches_total",
			Help: "Total replica fetches",
		},
	)

	// Events
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_sse_connections_active",
			Help: "Number of active event stream connections",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	junctions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_junctions",
			Help: "Number of junctions in the virtual tree",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentServed records bytes written by the content endpoint.
func RecordContentServed(bytes int64) {
	contentBytesServed.Add(float64(bytes))
}

// SetSSEConnectionsActive sets the number of active event streams.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetJunctions sets the number of junctions.
func SetJunctions(count int) {
	junctions.Set(float64(count))
}

// Observer feeds the collectors from the core packages. It implements
// vfs.Observer, cache.Observer, replica.Observer and the archive
// provider's Observer.
type Observer struct{}

func (Observer) CacheEvent(policy string, ev cache.Event) {
	cacheEventsTotal.WithLabelValues(policy, string(ev)).Inc()
}

func (Observer) FileSystemOpened(scheme string) {
	fileSystemsOpen.WithLabelValues(scheme).Inc()
	fileSystemsOpenedTotal.WithLabelValues(scheme).Inc()
}

func (Observer) FileSystemClosed(scheme string) {
	fileSystemsOpen.WithLabelValues(scheme).Dec()
}

func (Observer) BackendOp(scheme, op string, d time.Duration, err error) {
	backendOperationDuration.WithLabelValues(scheme, op).Observe(d.Seconds())
	backendOperationsTotal.WithLabelValues(scheme, op, status(err)).Inc()
}

func (Observer) ArchiveIndexed(format string, d time.Duration, entries int) {
	archiveIndexDuration.WithLabelValues(format).Observe(d.Seconds())
	archiveEntries.WithLabelValues(format).Observe(float64(entries))
}

func (Observer) ReplicaFetched(bytes int64) {
	replicaFetchesTotal.Inc()
	replicaFetchedBytesTotal.Add(float64(bytes))
}

func (Observer) ReplicaUsage(bytes int64) {
	replicaBytes.Set(float64(bytes))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the route pattern that
// matched, so per-file paths do not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
