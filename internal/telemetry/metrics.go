package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges the multiplexer exports. Construct
// once per process and pass down to every bearer; all fields are safe for
// concurrent use since the underlying prometheus collectors already are.
type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	FragmentsEmitted  prometheus.Counter
	FragmentsReceived prometheus.Counter
	ReassemblyDropped prometheus.Counter
	EscalationAttempt prometheus.Counter
	ConnectionPool    prometheus.Gauge
	AwareAcceptTimeout prometheus.Counter
}

// NewMetrics registers the multiplexer's collectors on reg and returns the
// handle used to update them. reg is typically a
// prometheus.NewRegistry() owned by the host process, or
// prometheus.DefaultRegisterer for a standalone demo binary.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames handed to a bearer for transmission, by bearer and outcome.",
		}, []string{"bearer", "outcome"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "frames_received_total",
			Help:      "Frames delivered to the core, by bearer.",
		}, []string{"bearer"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "send_failures_total",
			Help:      "Send attempts that returned false, by bearer.",
		}, []string{"bearer"}),
		FragmentsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Subsystem: "ble",
			Name:      "fragments_emitted_total",
			Help:      "BLE fragments written to the wire.",
		}),
		FragmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Subsystem: "ble",
			Name:      "fragments_received_total",
			Help:      "BLE fragments accepted into a reassembly buffer.",
		}),
		ReassemblyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Subsystem: "ble",
			Name:      "reassembly_dropped_total",
			Help:      "Reassembly buffers discarded due to a restarting index-0 or truncation.",
		}),
		EscalationAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "escalation_attempts_total",
			Help:      "Times attempt_escalation ran in response to a BLE peer discovery.",
		}),
		ConnectionPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transport",
			Subsystem: "ble",
			Name:      "gatt_connection_pool",
			Help:      "Current number of connected GATT client peripherals.",
		}),
		AwareAcceptTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Subsystem: "wifi_aware",
			Name:      "accept_timeouts_total",
			Help:      "Responder accept() calls that hit the 5000ms timeout with no initiator.",
		}),
	}

	reg.MustRegister(
		m.FramesSent,
		m.FramesReceived,
		m.SendFailures,
		m.FragmentsEmitted,
		m.FragmentsReceived,
		m.ReassemblyDropped,
		m.EscalationAttempt,
		m.ConnectionPool,
		m.AwareAcceptTimeout,
	)

	return m
}
