// Package metrics exposes the Prometheus instrumentation for refresh
// cycles, lookups, secret-broker fetches, and observer dispatches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshCyclesTotal counts completed refresh cycles by outcome.
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configcore_refresh_cycles_total",
			Help: "Total number of refresh cycles by outcome (ok, timeout)",
		},
		[]string{"outcome"},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "configcore_refresh_duration_seconds",
			Help:    "Duration of a full refresh cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProviderLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "configcore_provider_load_duration_seconds",
			Help:    "Duration of a single provider's Load call in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderLoadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configcore_provider_load_errors_total",
			Help: "Total number of provider Load calls that returned an error",
		},
		[]string{"provider"},
	)

	EntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "configcore_entries_total",
			Help: "Total number of compiled entries currently held across all names",
		},
	)

	// LookupsTotal counts Get calls by outcome.
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configcore_lookups_total",
			Help: "Total number of lookups by outcome (hit, not_found)",
		},
		[]string{"outcome"},
	)

	SecretFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configcore_secret_fetches_total",
			Help: "Total number of secret broker fetches by outcome (ok, error)",
		},
		[]string{"outcome"},
	)

	SecretBrokerVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "configcore_secret_broker_version",
			Help: "Current secret broker version counter",
		},
	)

	ObserverDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configcore_observer_dispatches_total",
			Help: "Total number of change-observer callback dispatches by outcome (ok, panic)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RefreshCyclesTotal)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(ProviderLoadDuration)
	prometheus.MustRegister(ProviderLoadErrorsTotal)
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(LookupsTotal)
	prometheus.MustRegister(SecretFetchesTotal)
	prometheus.MustRegister(SecretBrokerVersion)
	prometheus.MustRegister(ObserverDispatchesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
