// Package metrics holds the prometheus collectors for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label on FramesDropped.
const (
	ReasonMalformed  = "malformed"
	ReasonDiagnostic = "diagnostic"
	ReasonExcluded   = "excluded"
	ReasonStale      = "stale"
	ReasonNoTarget   = "no_target"
	ReasonUnfocused  = "unfocused"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionState   *prometheus.GaugeVec
	PresenceRecords   prometheus.Gauge
	PresencePolls     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wingdesk",
				Name:      "frames_received_total",
				Help:      "Inbound frames by event type",
			},
			[]string{"type"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wingdesk",
				Name:      "frames_dropped_total",
				Help:      "Inbound frames dropped before reaching state, by reason",
			},
			[]string{"type", "reason"},
		),
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wingdesk",
				Name:      "frames_sent_total",
				Help:      "Outbound frames by event type",
			},
			[]string{"type"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wingdesk",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect dials after an unexpected drop",
			},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "wingdesk",
				Name:      "connection_state",
				Help:      "1 for the current transport state, 0 otherwise",
			},
			[]string{"state"},
		),
		PresenceRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wingdesk",
				Name:      "presence_records",
				Help:      "Records in the latest presence snapshot",
			},
		),
		PresencePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wingdesk",
				Name:      "presence_polls_total",
				Help:      "Presence polls by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesDropped,
			m.FramesSent,
			m.ReconnectAttempts,
			m.ConnectionState,
			m.PresenceRecords,
			m.PresencePolls,
		)
	}
	return m
}

func (m *Metrics) Received(eventType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Dropped(eventType, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(eventType, reason).Inc()
}

func (m *Metrics) Sent(eventType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetState marks state as current and zeroes every other known state.
func (m *Metrics) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Presence(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PresencePolls.WithLabelValues("error").Inc()
		return
	}
	m.PresencePolls.WithLabelValues("ok").Inc()
	m.PresenceRecords.Set(float64(n))
}
