// Package metrics holds the Prometheus counters for bouncebox and the small
// ops HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shineum/bouncebox/internal/bounce"
)

// Metrics holds all counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesRejected  *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	RecordFailures    prometheus.Counter
	Notifications     *prometheus.CounterVec
	ActivityFailures  prometheus.Counter
	MailboxPolls      *prometheus.CounterVec
	IntakeDuration    prometheus.Histogram
	SessionsActive    prometheus.Gauge
	BreakerOpenEvents prometheus.Counter
}

// New creates a Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bouncebox_messages_received_total",
			Help: "Total number of messages handed to intake",
		}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bouncebox_messages_rejected_total",
			Help: "Total number of messages rejected before intake",
		}, []string{"reason"}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bouncebox_classifications_total",
			Help: "Total number of messages per classification label",
		}, []string{"label"}),
		RecordFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bouncebox_record_failures_total",
			Help: "Total number of bounce records that could not be stored",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bouncebox_notifications_total",
			Help: "Total number of notification attempts by outcome",
		}, []string{"outcome"}),
		ActivityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bouncebox_activity_failures_total",
			Help: "Total number of activity events that could not be stored",
		}),
		MailboxPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bouncebox_mailbox_polls_total",
			Help: "Total number of remote mailbox polls by result",
		}, []string{"result"}),
		IntakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bouncebox_intake_duration_seconds",
			Help:    "Time spent processing one message",
			Buckets: prometheus.DefBuckets,
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bouncebox_smtp_sessions_active",
			Help: "Number of open SMTP sessions",
		}),
		BreakerOpenEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bouncebox_notify_breaker_open_total",
			Help: "Total number of times the notification breaker opened",
		}),
	}
	// Every label is exported from the start, at zero.
	for _, l := range bounce.Labels {
		m.Classifications.WithLabelValues(l.String())
	}
	return m
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncClassification(label string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(label).Inc()
}

func (m *Metrics) IncRecordFailure() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

// IncNotification counts a notification attempt; outcome is "sent",
// "failed" or "skipped".
func (m *Metrics) IncNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncActivityFailure() {
	if m == nil {
		return
	}
	m.ActivityFailures.Inc()
}

func (m *Metrics) IncMailboxPoll(result string) {
	if m == nil {
		return
	}
	m.MailboxPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIntake(seconds float64) {
	if m == nil {
		return
	}
	m.IntakeDuration.Observe(seconds)
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) IncBreakerOpen() {
	if m == nil {
		return
	}
	m.BreakerOpenEvents.Inc()
}
