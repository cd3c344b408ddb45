// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path
	OperationsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cipherlog_operations_appended_total",
			Help: "Operations durably appended, by command",
		},
		[]string{"command"},
	)

	WriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cipherlog_write_errors_total",
			Help: "Rejected or failed writes, by error name",
		},
		[]string{"name"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cipherlog_rate_limited_total",
			Help: "Write calls rejected by the per-user token bucket",
		},
	)

	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cipherlog_append_duration_seconds",
			Help:    "Time spent holding the database write lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bundler
	BundlesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cipherlog_bundles_created_total",
			Help: "Bundles uploaded and confirmed",
		},
	)

	BundlesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cipherlog_bundles_failed_total",
			Help: "Bundle attempts that failed before the marker advanced",
		},
	)

	BundleBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cipherlog_bundle_bytes",
			Help:    "Encoded bundle size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Cache and push
	CachedOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cipherlog_cached_operations",
			Help: "Unbundled operations held in memory",
		},
	)

	PushConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cipherlog_push_connections",
			Help: "Live realtime subscriptions",
		},
	)

	FramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cipherlog_frames_sent_total",
			Help: "Realtime frames delivered to subscribers",
		},
	)

	// RPC
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cipherlog_rpc_requests_total",
			Help: "RPC calls by method and status code",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(OperationsAppended)
	prometheus.MustRegister(WriteErrors)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(AppendDuration)
	prometheus.MustRegister(BundlesCreated)
	prometheus.MustRegister(BundlesFailed)
	prometheus.MustRegister(BundleBytes)
	prometheus.MustRegister(CachedOperations)
	prometheus.MustRegister(PushConnections)
	prometheus.MustRegister(FramesSent)
	prometheus.MustRegister(RPCRequests)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
