package databox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zeusync/databox/internal/core/events/bus"
)

const metricsNamespace = "databox"

// Metrics holds the prometheus collectors of all databoxes sharing a
// registerer.
type Metrics struct {
	CudPackages    *prometheus.CounterVec
	CudOperations  *prometheus.CounterVec
	Fetches        *prometheus.CounterVec
	Reloads        *prometheus.CounterVec
	ReloadDuration *prometheus.HistogramVec
	Events         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CudPackages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cud_packages_total",
			Help:      "Cud packages received from the server.",
		}, []string{"databox"}),
		CudOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cud_operations_total",
			Help:      "Cud operations applied, by operation type.",
		}, []string{"databox", "type"}),
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Fetches on the main session, by result.",
		}, []string{"databox", "result"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reloads_total",
			Help:      "Reload passes, by result.",
		}, []string{"databox", "result"}),
		ReloadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reload_duration_seconds",
			Help:      "Duration of reload passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"databox"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Databox events published to listeners.",
		}, []string{"databox", "event"}),
	}
}

func (m *Metrics) observeReload(name, result string, d time.Duration) {
	m.Reloads.WithLabelValues(name, result).Inc()
	m.ReloadDuration.WithLabelValues(name).Observe(d.Seconds())
}

// busObserver counts the events a databox publishes.
type busObserver struct {
	name    string
	metrics *Metrics
}

var _ bus.EventBusObserver = (*busObserver)(nil)

func (o *busObserver) OnPublish(eventType string, _ bus.Event) {
	o.metrics.Events.WithLabelValues(o.name, eventType).Inc()
}

func (o *busObserver) OnDelivered(string, int, error, time.Duration) {}
