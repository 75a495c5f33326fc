package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

type moduleMetrics struct {
	routeResolutions *prometheus.CounterVec

	sessionLoadDuration   prometheus.Histogram
	sessionSaveDuration   prometheus.Histogram
	sessionUpdateDuration prometheus.Histogram
	sessionCacheTotal     *prometheus.CounterVec
	sessionSaveErrors     prometheus.Counter
	sessionEntries        *prometheus.GaugeVec
	sessionSkippedRecords prometheus.Counter

	maintenancePruned  prometheus.Counter
	maintenanceCapped  prometheus.Counter
	maintenanceRotated prometheus.Counter

	activeRuns prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			routeResolutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "route_resolutions_total",
					Help:      "Route resolutions by matching tier and whether the bound agent was missing.",
				},
				[]string{"matched_by", "fallback"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_store_load_duration_seconds",
					Help:      "Session store load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_store_save_duration_seconds",
					Help:      "Session store save duration in seconds, including maintenance.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionUpdateDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_store_update_duration_seconds",
					Help:      "Session store read-modify-write duration in seconds, including lock wait.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_cache_total",
					Help:      "Session store cache lookups by result (hit, miss, stale, disabled).",
				},
				[]string{"result"},
			),
			sessionSaveErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_save_errors_total",
					Help:      "Session store writes that failed.",
				},
			),
			sessionEntries: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "session_store_entries",
					Help:      "Entries written by the last save, per store file.",
				},
				[]string{"store"},
			),
			sessionSkippedRecords: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_skipped_records_total",
					Help:      "Malformed records skipped while loading.",
				},
			),
			maintenancePruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_pruned_total",
					Help:      "Stale entries removed by maintenance.",
				},
			),
			maintenanceCapped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_capped_total",
					Help:      "Entries removed by the entry cap.",
				},
			),
			maintenanceRotated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_store_rotations_total",
					Help:      "Store files rotated to a backup.",
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Runs currently registered as active in the in-memory run registry.",
				},
			),
		}

		prometheus.MustRegister(
			m.routeResolutions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionUpdateDuration,
			m.sessionCacheTotal,
			m.sessionSaveErrors,
			m.sessionEntries,
			m.sessionSkippedRecords,
			m.maintenancePruned,
			m.maintenanceCapped,
			m.maintenanceRotated,
			m.activeRuns,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRouteResolution(matchedBy string, fallback bool) {
	m := getMetrics()
	m.routeResolutions.WithLabelValues(matchedBy, strconv.FormatBool(fallback)).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
	if !success {
		m.sessionSaveErrors.Inc()
	}
}

func RecordSessionUpdate(duration time.Duration) {
	m := getMetrics()
	m.sessionUpdateDuration.Observe(duration.Seconds())
}

// RecordCacheLookup counts a cache lookup; result is hit, miss, stale or disabled.
func RecordCacheLookup(result string) {
	m := getMetrics()
	m.sessionCacheTotal.WithLabelValues(result).Inc()
}

func SetSessionEntries(store string, count int) {
	m := getMetrics()
	m.sessionEntries.WithLabelValues(store).Set(float64(count))
}

func RecordSkippedRecords(count int) {
	if count <= 0 {
		return
	}
	m := getMetrics()
	m.sessionSkippedRecords.Add(float64(count))
}

func RecordMaintenance(pruned, capped int, rotated bool) {
	m := getMetrics()
	m.maintenancePruned.Add(float64(pruned))
	m.maintenanceCapped.Add(float64(capped))
	if rotated {
		m.maintenanceRotated.Inc()
	}
}

func SetActiveRuns(count int) {
	m := getMetrics()
	m.activeRuns.Set(float64(count))
}
