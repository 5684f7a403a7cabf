// Package metrics holds the Prometheus counters shared by channels, control
// sessions and VDI port rings.
//
// A nil *Metrics is valid and records nothing, so library code can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "spicelink"

// Ring event labels.
const (
	RingFull   = "full"
	RingEmpty  = "empty"
	RingStale  = "stale"
	RingResync = "resync"
	RingNotify = "notify"
	RingPushed = "pushed"
	RingPopped = "popped"
)

// Direction labels.
const (
	Sent     = "sent"
	Received = "received"
)

// Metrics is the set of counters for one process. Create it once with New and
// pass it down.
type Metrics struct {
	messages     *prometheus.CounterVec
	serialGaps   *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	linkResults  *prometheus.CounterVec
	ringEvents   *prometheus.CounterVec
	controlMsgs  *prometheus.CounterVec
	sessions     *prometheus.GaugeVec
}

// New registers the counters with reg. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_total",
			Help:      "Framed channel messages by channel type and direction",
		}, []string{"channel", "direction"}),

		serialGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "serial_gaps_total",
			Help:      "Inbound messages whose serial did not follow the previous one",
		}, []string{"channel"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed link, message or sub-message data",
		}, []string{"what"}),

		linkResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "link_results_total",
			Help:      "Completed link handshakes by result code",
		}, []string{"result"}),

		ringEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "vdiport",
			Name:      "ring_events_total",
			Help:      "VDI port ring events by ring and kind",
		}, []string{"ring", "event"}),

		controlMsgs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Controller and foreign menu messages by protocol and direction",
		}, []string{"protocol", "direction"}),

		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "control",
			Name:      "active_sessions",
			Help:      "Control sessions past the init exchange",
		}, []string{"protocol"}),
	}
}

func (m *Metrics) Message(channel, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(channel, direction).Inc()
}

func (m *Metrics) SerialGap(channel string) {
	if m == nil {
		return
	}
	m.serialGaps.WithLabelValues(channel).Inc()
}

func (m *Metrics) DecodeError(what string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(what).Inc()
}

func (m *Metrics) LinkResult(result string) {
	if m == nil {
		return
	}
	m.linkResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RingEvent(ring, event string) {
	if m == nil {
		return
	}
	m.ringEvents.WithLabelValues(ring, event).Inc()
}

func (m *Metrics) ControlMessage(protocol, direction string) {
	if m == nil {
		return
	}
	m.controlMsgs.WithLabelValues(protocol, direction).Inc()
}

// SessionOpened and SessionClosed track control sessions that reached Active.
func (m *Metrics) SessionOpened(protocol string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(protocol).Dec()
}
