package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Topic ")
	require.NoError(t, err)
	assert.Equal(t, KindTopic, k)

	_, err = ParseKind("headers")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestBindingTable(t *testing.T) {
	topic := Exchange{Name: "todo.event.exchange", Kind: KindTopic}

	t.Run("duplicate bind is idempotent", func(t *testing.T) {
		table := NewBindingTable()
		assert.True(t, table.Bind(topic.Name, "q", "todo.*"))
		assert.False(t, table.Bind(topic.Name, "q", "todo.*"))

		assert.Equal(t, []string{"q"}, table.Lookup(topic, "todo.created"))
		assert.Len(t, table.Bindings(topic.Name), 1)
	})

	t.Run("queue matched by several patterns is returned once", func(t *testing.T) {
		table := NewBindingTable()
		table.Bind(topic.Name, "q", "todo.*")
		table.Bind(topic.Name, "q", "todo.created")
		table.Bind(topic.Name, "other", "#")

		assert.Equal(t, []string{"q", "other"}, table.Lookup(topic, "todo.created"))
	})

	t.Run("unbind removes only the given triple", func(t *testing.T) {
		table := NewBindingTable()
		table.Bind(topic.Name, "q", "todo.*")
		table.Bind(topic.Name, "q", "todo.created")

		assert.True(t, table.Unbind(topic.Name, "q", "todo.*"))
		assert.False(t, table.Unbind(topic.Name, "q", "todo.*"))
		assert.Equal(t, []string{"q"}, table.Lookup(topic, "todo.created"))
		assert.Empty(t, table.Lookup(topic, "todo.updated"))
	})

	t.Run("direct exchange matches exact keys only", func(t *testing.T) {
		direct := Exchange{Name: "notification.exchange", Kind: KindDirect}
		table := NewBindingTable()
		table.Bind(direct.Name, "notification.queue", "notification.key")
		table.Bind(direct.Name, "wild", "notification.*")

		assert.Equal(t, []string{"notification.queue"}, table.Lookup(direct, "notification.key"))
		assert.Empty(t, table.Lookup(direct, "notification.other"))
	})

	t.Run("fanout exchange ignores the routing key", func(t *testing.T) {
		fanout := Exchange{Name: "broadcast.exchange", Kind: KindFanout}
		table := NewBindingTable()
		table.Bind(fanout.Name, "a", "")
		table.Bind(fanout.Name, "b", "ignored")

		assert.Equal(t, []string{"a", "b"}, table.Lookup(fanout, "anything.at.all"))
	})
}

func TestRouter(t *testing.T) {
	newRouter := func(t *testing.T) *Router {
		r := NewRouter()
		require.NoError(t, r.DeclareExchange(Exchange{Name: "todo.event.exchange", Kind: KindTopic, Durable: true}))
		require.NoError(t, r.Bind("todo.event.exchange", "todo.created.queue", "todo.created"))
		require.NoError(t, r.Bind("todo.event.exchange", "todo.updated.queue", "todo.updated"))
		require.NoError(t, r.Bind("todo.event.exchange", "user.notification.queue", "todo.*"))
		return r
	}

	t.Run("routes to every matching queue", func(t *testing.T) {
		r := newRouter(t)

		queues, err := r.Route("todo.event.exchange", "todo.created")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"todo.created.queue", "user.notification.queue"}, queues)
	})

	t.Run("no match returns empty result", func(t *testing.T) {
		r := newRouter(t)

		queues, err := r.Route("todo.event.exchange", "user.created")
		require.NoError(t, err)
		assert.Empty(t, queues)
	})

	t.Run("unknown exchange", func(t *testing.T) {
		r := newRouter(t)

		_, err := r.Route("missing", "todo.created")
		assert.ErrorIs(t, err, ErrUnknownExchange)

		var exErr *ExchangeError
		require.True(t, errors.As(err, &exErr))
		assert.Equal(t, "missing", exErr.Exchange)

		assert.ErrorIs(t, r.Bind("missing", "q", "#"), ErrUnknownExchange)
	})

	t.Run("redeclare", func(t *testing.T) {
		r := newRouter(t)

		assert.NoError(t, r.DeclareExchange(Exchange{Name: "todo.event.exchange", Kind: KindTopic}))
		err := r.DeclareExchange(Exchange{Name: "todo.event.exchange", Kind: KindFanout})
		assert.ErrorIs(t, err, ErrExchangeKindMismatch)
	})

	t.Run("rejects invalid declarations", func(t *testing.T) {
		r := NewRouter()
		assert.ErrorIs(t, r.DeclareExchange(Exchange{Kind: KindTopic}), ErrInvalidExchange)
		assert.ErrorIs(t, r.DeclareExchange(Exchange{Name: "x", Kind: "headers"}), ErrUnknownKind)
	})

	t.Run("exchanges sorted by name", func(t *testing.T) {
		r := newRouter(t)
		require.NoError(t, r.DeclareExchange(Exchange{Name: "dlx.exchange", Kind: KindDirect}))

		names := []string{}
		for _, ex := range r.Exchanges() {
			names = append(names, ex.Name)
		}
		assert.Equal(t, []string{"dlx.exchange", "todo.event.exchange"}, names)
	})
}
