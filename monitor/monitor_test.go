package monitor

import (
	"context"
	"testing"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/topology"
	"github.com/stretchr/testify/require"
)

// newTodoBroker returns a broker with the todo topology applied
func newTodoBroker(t *testing.T, options ...broker.Option) *broker.Broker {
	t.Helper()
	b := broker.New(options...)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, topology.TodoTopology().Apply(b))
	return b
}

func publishN(t *testing.T, b *broker.Broker, routingKey string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := b.Publish(context.Background(), topology.TodoEventExchange, routingKey, broker.Message{Body: []byte("{}")})
		require.NoError(t, err)
	}
}
