package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for a session. A nil *Metrics is
// valid and records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	session, _ := chatsync.NewSession(chatsync.SessionConfig{Registerer: reg, ...})
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
type Metrics struct {
	// FramesReceived counts inbound STOMP frames.
	// Labels: command (MESSAGE|ERROR|RECEIPT|...)
	FramesReceived *prometheus.CounterVec

	// DecodeErrors counts dropped malformed pushes.
	// Labels: kind (message|room_update)
	DecodeErrors *prometheus.CounterVec

	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts prometheus.Counter

	// ConnectionState is 1 for the current state and 0 for the others.
	// Labels: state (disconnected|connecting|connected)
	ConnectionState *prometheus.GaugeVec

	// Sends counts message sends.
	// Labels: outcome (confirmed|failed)
	Sends *prometheus.CounterVec

	// Pushes counts pushed messages by merge result.
	// Labels: result (merged|duplicate)
	Pushes *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_received_total",
			Help:      "Inbound STOMP frames by command.",
		}, []string{"command"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "decode_errors_total",
			Help:      "Pushes dropped because they could not be decoded.",
		}, []string{"kind"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a connection loss.",
		}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Current connection state.",
		}, []string{"state"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"outcome"}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pushes_total",
			Help:      "Pushed messages by merge result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) frameReceived(command string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) decodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) connectionState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) send(ok bool) {
	if m == nil {
		return
	}
	outcome := "confirmed"
	if !ok {
		outcome = "failed"
	}
	m.Sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) push(merged bool) {
	if m == nil {
		return
	}
	result := "merged"
	if !merged {
		result = "duplicate"
	}
	m.Pushes.WithLabelValues(result).Inc()
}
