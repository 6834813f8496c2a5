// Package observability holds the prometheus instrumentation for the stream
// and session layers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StreamMetrics tracks the health of a workflow event stream and the
// session traffic flowing over it.
type StreamMetrics struct {
	EventsReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
	MessagesSent      prometheus.Counter
	MessagesFailed    prometheus.Counter
}

// NewStreamMetrics registers stream metrics on the given registerer.
// Pass prometheus.DefaultRegisterer for process-wide metrics, or a fresh
// registry in tests.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	factory := promauto.With(reg)
	return &StreamMetrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_stream_events_received_total",
			Help: "Total stream events received, by event type.",
		}, []string{"type"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_stream_frames_dropped_total",
			Help: "Frames discarded because they could not be decoded.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_stream_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled after transport errors.",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipewatch_stream_connected",
			Help: "1 while the stream connection is open, 0 otherwise.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_messages_sent_total",
			Help: "User messages successfully submitted to the backend.",
		}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_messages_failed_total",
			Help: "User message submissions that failed.",
		}),
	}
}

// NopStreamMetrics returns metrics backed by a throwaway registry, for
// callers that do not export metrics.
func NopStreamMetrics() *StreamMetrics {
	return NewStreamMetrics(prometheus.NewRegistry())
}
