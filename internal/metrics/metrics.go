// Package metrics holds the prometheus collectors of the daemon. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lapse"

type Metrics struct {
	registry *prometheus.Registry

	ManagersActive   prometheus.Gauge
	SchedulersActive prometheus.Gauge
	SchedulerStops   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	Announcements    *prometheus.CounterVec
	Acks             *prometheus.CounterVec
	AcksOverdue      prometheus.Counter
	Removals         *prometheus.CounterVec
	PublishAttempts  *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	PublishQueue     prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ManagersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_managers_active",
			Help:      "Number of running lifecycle managers (one per policy)",
		}),
		SchedulersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subject_schedulers_active",
			Help:      "Number of running subject schedulers",
		}),
		SchedulerStops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subject_scheduler_stops_total",
			Help:      "Subject schedulers that terminated, by reason",
		}, []string{"reason"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subject_state_transitions_total",
			Help:      "Subject scheduler state transitions, by target state",
		}, []string{"state"}),
		Announcements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Announcements handed to the publisher, by result",
		}, []string{"result"}),
		Acks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Acknowledgements received, by result",
		}, []string{"result"}),
		AcksOverdue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_overdue_total",
			Help:      "Acknowledgement waits that hit their deadline",
		}),
		Removals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subject_removals_total",
			Help:      "Subject removal commands, by result",
		}, []string{"result"}),
		PublishAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_sends_total",
			Help:      "Transport send attempts, by transport and result",
		}, []string{"transport", "result"}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publisher_send_duration_seconds",
			Help:      "Duration of one transport send",
			Buckets:   prometheus.DefBuckets,
		}),
		PublishQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_queue_depth",
			Help:      "Announcements waiting in the publisher queue",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ManagerStarted() {
	if m != nil {
		m.ManagersActive.Inc()
	}
}

func (m *Metrics) ManagerStopped() {
	if m != nil {
		m.ManagersActive.Dec()
	}
}

func (m *Metrics) SchedulerStarted() {
	if m != nil {
		m.SchedulersActive.Inc()
	}
}

func (m *Metrics) SchedulerStopped(reason string) {
	if m != nil {
		m.SchedulersActive.Dec()
		m.SchedulerStops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Announcement(result string) {
	if m != nil {
		m.Announcements.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Ack(result string) {
	if m != nil {
		m.Acks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AckOverdue() {
	if m != nil {
		m.AcksOverdue.Inc()
	}
}

func (m *Metrics) Removal(result string) {
	if m != nil {
		m.Removals.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Send(transport, result string, d time.Duration) {
	if m != nil {
		m.PublishAttempts.WithLabelValues(transport, result).Inc()
		m.PublishDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.PublishQueue.Set(float64(n))
	}
}
