// Package metrics exposes Prometheus counters for the conversation pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "salespipe"

// Metrics groups the pipeline counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	inboundTotal       *prometheus.CounterVec
	outboundTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	followUpsTotal     *prometheus.CounterVec
	handleLatency      prometheus.Histogram
}

// New creates the counters and registers them with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_total",
			Help:      "Inbound customer messages by outcome",
		}, []string{"status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound messages by kind and status",
		}, []string{"kind", "status"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "transitions_total",
			Help:      "Conversation state transitions",
		}, []string{"from", "to"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "notifications_total",
			Help:      "Admin notifications by type and delivery status",
		}, []string{"type", "status"}),
		followUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "followups_total",
			Help:      "Follow-up nudges by type and delivery status",
		}, []string{"type", "status"}),
		handleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "handle_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.transitionsTotal, m.notificationsTotal, m.followUpsTotal, m.handleLatency)
	return m
}

func (m *Metrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveOutbound(kind string, err error) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveNotification(notificationType string, err error) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(notificationType, statusOf(err)).Inc()
}

func (m *Metrics) ObserveFollowUp(followUpType string, err error) {
	if m == nil {
		return
	}
	m.followUpsTotal.WithLabelValues(followUpType, statusOf(err)).Inc()
}

func (m *Metrics) ObserveHandleLatency(seconds float64) {
	if m == nil {
		return
	}
	m.handleLatency.Observe(seconds)
}

func statusOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "sent"
}
