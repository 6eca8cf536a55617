package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/topology"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of the series of name whose labels include
// every pair in labels
func metricValue(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := gatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, pair := range m.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg, "mmate_bus")
	require.NoError(t, err)

	ctx := context.Background()
	b := newTodoBroker(t, broker.WithMetrics(collector))

	publishN(t, b, "todo.updated", 1)
	publishN(t, b, "user.created", 1)
	_, err = b.Publish(ctx, "missing", "x", broker.Message{})
	require.Error(t, err)

	d, ok, err := b.Get(ctx, topology.TodoUpdatedQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Nack(true))
	d, ok, err = b.Get(ctx, topology.TodoUpdatedQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Nack(false))

	d, ok, err = b.Get(ctx, topology.UserNotificationQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Ack())

	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_published_total", map[string]string{"exchange": topology.TodoEventExchange, "routed": "true"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_published_total", map[string]string{"exchange": topology.TodoEventExchange, "routed": "false"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_published_total", map[string]string{"exchange": topology.DeadLetterExchange, "routed": "true"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_publish_failures_total", map[string]string{"exchange": "missing", "reason": "unknown_exchange"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_delivered_total", map[string]string{"queue": topology.TodoUpdatedQueue, "redelivered": "true"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_nacked_total", map[string]string{"queue": topology.TodoUpdatedQueue, "requeue": "false"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_acked_total", map[string]string{"queue": topology.UserNotificationQueue}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mmate_bus_messages_dead_lettered_total", map[string]string{"queue": topology.TodoUpdatedQueue, "reason": "rejected", "outcome": "rerouted"}))

	t.Run("registering twice fails", func(t *testing.T) {
		_, err := NewPrometheusCollector(reg, "mmate_bus")
		assert.Error(t, err)
	})
}

func TestQueueDepthCollector(t *testing.T) {
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	b := newTodoBroker(t, broker.WithClock(func() time.Time { return clock }))
	publishN(t, b, "todo.created", 3)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewQueueDepthCollector(b, "mmate_bus")))

	assert.Equal(t, 3.0, metricValue(t, reg, "mmate_bus_queue_ready_messages", map[string]string{"queue": topology.TodoCreatedQueue}))
	assert.Equal(t, 3.0, metricValue(t, reg, "mmate_bus_queue_ready_messages", map[string]string{"queue": topology.UserNotificationQueue}))
	assert.Equal(t, 0.0, metricValue(t, reg, "mmate_bus_queue_consumers", map[string]string{"queue": topology.TodoCreatedQueue}))
}
