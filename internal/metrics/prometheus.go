// Package metrics provides a Prometheus metrics registry for the sync core.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// chatsync_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// chatsync_sync_duration_seconds
	syncDuration prometheus.Histogram

	// chatsync_sync_failures_total
	syncFailures prometheus.Counter

	// chatsync_stream_timeouts_total{phase} — phase is first_chunk or hung
	streamTimeouts *prometheus.CounterVec

	// chatsync_delivery_events_total{event}
	deliveryEvents *prometheus.CounterVec

	// chatsync_ws_connections
	wsConnections prometheus.Gauge
}

// NewRegistry creates a Registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_cache_operations_total",
			Help: "Key-value store operations by op and result (ok, miss, error).",
		}, []string{"op", "result"}),

		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_sync_duration_seconds",
			Help:    "Wall time of one initial sync, index read through frame push.",
			Buckets: prometheus.DefBuckets,
		}),

		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sync_failures_total",
			Help: "Initial syncs that degraded to the empty-with-error frame.",
		}),

		streamTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_stream_timeouts_total",
			Help: "Stream watchdog timeouts by phase (first_chunk, hung).",
		}, []string{"phase"}),

		deliveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_delivery_events_total",
			Help: "Delivery tracker events (enqueued, delivered, cleared, viewed).",
		}, []string{"event"}),

		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_ws_connections",
			Help: "Currently registered websocket connections.",
		}),
	}

	reg.MustRegister(
		r.cacheOps,
		r.syncDuration,
		r.syncFailures,
		r.streamTimeouts,
		r.deliveryEvents,
		r.wsConnections,
	)

	return r
}

// ObserveCacheOp records one store operation. Matches cache.OpObserver so it
// can be wired directly into the RedisStore.
func (r *Registry) ObserveCacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// ObserveSync records the duration of one initial sync.
func (r *Registry) ObserveSync(d time.Duration) {
	r.syncDuration.Observe(d.Seconds())
}

// SyncFailure counts a sync that fell back to the degraded frame.
func (r *Registry) SyncFailure() {
	r.syncFailures.Inc()
}

// StreamTimeout counts one watchdog timeout; phase is "first_chunk" or "hung".
func (r *Registry) StreamTimeout(phase string) {
	r.streamTimeouts.WithLabelValues(phase).Inc()
}

// DeliveryEvent counts one tracker event.
func (r *Registry) DeliveryEvent(event string) {
	r.deliveryEvents.WithLabelValues(event).Inc()
}

// WSConnect / WSDisconnect adjust the live connection gauge.
func (r *Registry) WSConnect()    { r.wsConnections.Inc() }
func (r *Registry) WSDisconnect() { r.wsConnections.Dec() }

// Handler returns a fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}),
	)
}
