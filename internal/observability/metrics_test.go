package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStreamMetricsRegisterAndCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewStreamMetrics(registry)

	metrics.EventsReceived.WithLabelValues("stage.completed").Inc()
	metrics.EventsReceived.WithLabelValues("stage.completed").Inc()
	metrics.FramesDropped.Inc()
	metrics.ConnectionState.Set(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsReceived.WithLabelValues("stage.completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionState))
}

func TestNopStreamMetricsIsUsable(t *testing.T) {
	metrics := NopStreamMetrics()
	metrics.MessagesSent.Inc()
	metrics.MessagesFailed.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesSent))
}
