// Package metrics exposes application-level prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	webhookDuration  prometheus.Histogram
	renewals         *prometheus.CounterVec
	dunningDecisions *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopbill",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loopbill",
			Name:      "webhook_processing_seconds",
			Help:      "Webhook processing latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopbill",
			Name:      "renewals_total",
			Help:      "Renewal attempts by outcome.",
		}, []string{"outcome"}),
		dunningDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopbill",
			Name:      "dunning_decisions_total",
			Help:      "Dunning decisions by action.",
		}, []string{"action"}),
	}

	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.webhookDuration, m.renewals, m.dunningDecisions)
	}
	return m
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRenewal(outcome string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDunningDecision(action string) {
	if m == nil {
		return
	}
	m.dunningDecisions.WithLabelValues(action).Inc()
}

func provide() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

var Module = fx.Module("metrics",
	fx.Provide(provide),
)
