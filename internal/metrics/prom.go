package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	envelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_envelopes_sent_total",
			Help: "Envelopes posted to the transport",
		},
		[]string{"kind"},
	)

	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_envelopes_received_total",
			Help: "Bridge envelopes handled by a listener",
		},
		[]string{"kind"},
	)

	schemaViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_schema_violations_total",
			Help: "Payloads rejected by schema validation",
		},
		[]string{"mode"},
	)

	transportErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_transport_errors_total",
			Help: "Posts that failed at the transport",
		},
	)

	framesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_frames_connected",
			Help: "Frame connections currently attached to the host",
		},
	)
)

// Register adds every bridge collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(envelopesSent, envelopesReceived, schemaViolations, transportErrors, framesConnected)
}

func RecordSent(kind string)     { envelopesSent.WithLabelValues(kind).Inc() }
func RecordReceived(kind string) { envelopesReceived.WithLabelValues(kind).Inc() }
func RecordViolation(mode string) {
	schemaViolations.WithLabelValues(mode).Inc()
}
func RecordTransportError() { transportErrors.Inc() }

func FrameConnected()    { framesConnected.Inc() }
func FrameDisconnected() { framesConnected.Dec() }
