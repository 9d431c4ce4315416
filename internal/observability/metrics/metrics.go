// Package metrics exposes dinocache Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dinoproject/dinocache/internal/offline"
)

const namespace = "dinocache"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	fetchDecisions       *prometheus.CounterVec
	revalidations        *prometheus.CounterVec
	revalidationDuration *prometheus.HistogramVec
	precacheDuration     *prometheus.HistogramVec
	precacheEntries      *prometheus.GaugeVec
	activations          *prometheus.CounterVec
	namespacesDeleted    prometheus.Counter
	pushes               *prometheus.CounterVec
	notificationClicks   *prometheus.CounterVec
}

var _ offline.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers all collectors, plus the Go runtime and
// process collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "decisions_total",
			Help:      "Intercepted requests by routing decision.",
		}, []string{"version", "decision"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "revalidations_total",
			Help:      "Background revalidations by outcome.",
		}, []string{"version", "outcome"}),
		revalidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "revalidation_duration_seconds",
			Help:      "Time spent refreshing a cached entry from the network.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"version"}),
		precacheDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "precache_duration_seconds",
			Help:      "Time spent precaching the app shell during install.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"version", "result"}),
		precacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "precache_entries",
			Help:      "Entries written by the last successful install.",
		}, []string{"version"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "activations_total",
			Help:      "Cache version activations by result.",
		}, []string{"version", "result"}),
		namespacesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "namespaces_deleted_total",
			Help:      "Outdated cache namespaces deleted on activation.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "messages_total",
			Help:      "Push messages received by source and result.",
		}, []string{"source", "result"}),
		notificationClicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notification_clicks_total",
			Help:      "Notification clicks by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetchDecisions,
		m.revalidations,
		m.revalidationDuration,
		m.precacheDuration,
		m.precacheEntries,
		m.activations,
		m.namespacesDeleted,
		m.pushes,
		m.notificationClicks,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDecision(version string, d offline.Decision) {
	m.fetchDecisions.WithLabelValues(version, string(d)).Inc()
}

func (m *Metrics) ObserveRevalidation(version, outcome string, d time.Duration) {
	m.revalidations.WithLabelValues(version, outcome).Inc()
	m.revalidationDuration.WithLabelValues(version).Observe(d.Seconds())
}

func (m *Metrics) ObservePrecache(version string, entries int, d time.Duration, err error) {
	m.precacheDuration.WithLabelValues(version, result(err)).Observe(d.Seconds())
	if err == nil {
		m.precacheEntries.WithLabelValues(version).Set(float64(entries))
	}
}

func (m *Metrics) ObserveActivation(version string, deleted int, err error) {
	m.activations.WithLabelValues(version, result(err)).Inc()
	m.namespacesDeleted.Add(float64(deleted))
}

// ObservePush counts a push message from source.
func (m *Metrics) ObservePush(source string, err error) {
	m.pushes.WithLabelValues(source, result(err)).Inc()
}

// ObserveNotificationClick counts a notification click.
func (m *Metrics) ObserveNotificationClick(err error) {
	m.notificationClicks.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
