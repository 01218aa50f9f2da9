package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the transport's instrumentation. All counters are
// optional: a nil Metrics disables instrumentation entirely.
type Metrics struct {
	RequestsSent   *prometheus.CounterVec
	RepliesMatched prometheus.Counter
	Timeouts       prometheus.Counter
	RepliesDropped prometheus.Counter
	OriginRejects  prometheus.Counter
	InboundInvalid prometheus.Counter
}

// NewMetrics constructs and registers the transport metrics. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "requests_sent_total",
			Help:      "Requests sent to the relay, by message type.",
		}, []string{"type"}),
		RepliesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "replies_matched_total",
			Help:      "Replies correlated to a pending request.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "request_timeouts_total",
			Help:      "Requests abandoned after their deadline.",
		}),
		RepliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "replies_dropped_total",
			Help:      "Replies with no pending request (late or unknown).",
		}),
		OriginRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "origin_rejects_total",
			Help:      "Inbound messages dropped by the origin allow-list.",
		}),
		InboundInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "relay",
			Name:      "inbound_invalid_total",
			Help:      "Inbound messages that failed to parse.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsSent,
			m.RepliesMatched,
			m.Timeouts,
			m.RepliesDropped,
			m.OriginRejects,
			m.InboundInvalid,
		)
	}
	return m
}

func (m *Metrics) requestSent(typ string) {
	if m != nil {
		m.RequestsSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) replyMatched() {
	if m != nil {
		m.RepliesMatched.Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) replyDropped() {
	if m != nil {
		m.RepliesDropped.Inc()
	}
}

func (m *Metrics) originReject() {
	if m != nil {
		m.OriginRejects.Inc()
	}
}

func (m *Metrics) inboundInvalid() {
	if m != nil {
		m.InboundInvalid.Inc()
	}
}
