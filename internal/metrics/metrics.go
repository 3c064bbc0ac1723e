// Package metrics provides Prometheus metrics for the discovery and
// connector daemons, adapted from the teacher's pkg/metrics package
// (operation counters/histograms keyed by label, an HTTP handler
// wired into driver.go's metrics server) onto controller-lifecycle
// concerns: per-state/subtype controller counts, reconciliation
// duration, retry counts, and discovery log page entry cache size.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nvme_stasd"

var (
	controllersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers",
			Help:      "Number of controllers currently tracked, by subtype and state",
		},
		[]string{"subtype", "state"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a desired-vs-actual reconciliation pass",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	connectRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_retries_total",
			Help:      "Total number of controller connect retry attempts, by subtype",
		},
		[]string{"subtype"},
	)

	dlpeCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlpe_cache_size",
			Help:      "Number of discovery log page entries cached for a discovery controller",
		},
		[]string{"traddr"},
	)

	udevEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udev_events_total",
			Help:      "Total number of nvme uevents observed, by action",
		},
		[]string{"action"},
	)
)

// SetControllerCount sets the gauge for a given subtype/state pair.
func SetControllerCount(subtype, state string, count int) {
	controllersByState.WithLabelValues(subtype, state).Set(float64(count))
}

// ObserveReconcileDuration records how long a reconciliation pass took.
func ObserveReconcileDuration(d time.Duration) {
	reconcileDuration.Observe(d.Seconds())
}

// IncConnectRetry increments the connect-retry counter for a subtype.
func IncConnectRetry(subtype string) {
	connectRetriesTotal.WithLabelValues(subtype).Inc()
}

// SetDLPECacheSize sets the cached discovery log page entry count for
// a discovery controller, identified by its transport address.
func SetDLPECacheSize(traddr string, size int) {
	dlpeCacheSize.WithLabelValues(traddr).Set(float64(size))
}

// DeleteDLPECacheSize removes the cache-size gauge for a controller
// that has been removed from the registry.
func DeleteDLPECacheSize(traddr string) {
	dlpeCacheSize.DeleteLabelValues(traddr)
}

// IncUdevEvent increments the uevent counter for a given action
// ("add", "remove", "change").
func IncUdevEvent(action string) {
	udevEventsTotal.WithLabelValues(action).Inc()
}

// ReconcileTimer times a single reconciliation pass.
type ReconcileTimer struct {
	start time.Time
}

// NewReconcileTimer starts a reconciliation timer.
func NewReconcileTimer() *ReconcileTimer {
	return &ReconcileTimer{start: time.Now()}
}

// ObserveDone records the elapsed reconciliation duration.
func (t *ReconcileTimer) ObserveDone() {
	ObserveReconcileDuration(time.Since(t.start))
}
