// Package metrics exposes Prometheus instruments for vendor traffic and sync
// outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	vendorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarsync_vendor_requests_total",
		Help: "Vendor API attempts by provider and outcome category (ok for success)",
	}, []string{"provider", "outcome"})

	vendorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarsync_vendor_retries_total",
		Help: "Vendor API retries by provider",
	}, []string{"provider"})

	syncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarsync_syncs_total",
		Help: "Sync runs by provider, mode and resulting integration status",
	}, []string{"provider", "mode", "status"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solarsync_sync_duration_seconds",
		Help:    "Duration of sync runs in seconds",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"provider", "mode"})

	upserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarsync_upserts_total",
		Help: "Entities written by kind",
	}, []string{"provider", "kind"})
)

// VendorRequest records one HTTP attempt against a vendor.
func VendorRequest(provider, outcome string) {
	vendorRequests.WithLabelValues(provider, outcome).Inc()
}

// VendorRetry records that a failed attempt is about to be retried.
func VendorRetry(provider string) {
	vendorRetries.WithLabelValues(provider).Inc()
}

// Sync records a finished sync run.
func Sync(provider, mode, status string, took time.Duration) {
	syncs.WithLabelValues(provider, mode, status).Inc()
	syncDuration.WithLabelValues(provider, mode).Observe(took.Seconds())
}

// Upserted records n entities of kind written for provider.
func Upserted(provider, kind string, n int) {
	if n <= 0 {
		return
	}
	upserts.WithLabelValues(provider, kind).Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
