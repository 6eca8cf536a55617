package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg QueueConfig) *Queue {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test.queue"
	}
	q, err := NewQueue(cfg)
	require.NoError(t, err)
	return q
}

func enqueueBody(t *testing.T, q *Queue, body string) Envelope {
	t.Helper()
	env, err := q.Enqueue(Envelope{MessageID: body, RoutingKey: "a.b", Body: []byte(body)})
	require.NoError(t, err)
	return env
}

func TestQueueConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, QueueConfig{}.Validate(), ErrInvalidQueue)
	assert.ErrorIs(t, QueueConfig{Name: "q", TTL: -time.Second}.Validate(), ErrInvalidQueue)
	assert.ErrorIs(t, QueueConfig{Name: "q", MaxLength: -1}.Validate(), ErrInvalidQueue)
	assert.ErrorIs(t, QueueConfig{Name: "q", DeadLetterRoutingKey: "k"}.Validate(), ErrInvalidQueue)
	assert.NoError(t, QueueConfig{Name: "q", DeadLetterExchange: "dlx"}.Validate())
}

func TestQueue_Enqueue(t *testing.T) {
	t.Run("assigns increasing delivery tags", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})

		first := enqueueBody(t, q, "one")
		second := enqueueBody(t, q, "two")

		assert.Equal(t, uint64(1), first.DeliveryTag)
		assert.Equal(t, uint64(2), second.DeliveryTag)
		assert.Equal(t, 1, first.Attempt)
		assert.Equal(t, StateReady, first.State)
		assert.False(t, first.EnqueuedAt.IsZero())
		assert.Equal(t, 2, q.Len())
	})

	t.Run("rejects when full", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{MaxLength: 1})
		enqueueBody(t, q, "one")

		_, err := q.Enqueue(Envelope{Body: []byte("two")})
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("rejects after close but keeps ready envelopes", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		enqueueBody(t, q, "one")
		q.Close()
		q.Close()

		_, err := q.Enqueue(Envelope{Body: []byte("two")})
		assert.ErrorIs(t, err, ErrQueueClosed)
		assert.Equal(t, 1, q.Len())
		assert.True(t, q.Stats().Closed)
	})
}

func TestQueue_DeliveryLifecycle(t *testing.T) {
	t.Run("peek does not change state", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		_, ok := q.PeekNext()
		assert.False(t, ok)

		env := enqueueBody(t, q, "one")
		head, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, env.DeliveryTag, head.DeliveryTag)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("ack removes exactly the acked envelope", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		first := enqueueBody(t, q, "one")
		second := enqueueBody(t, q, "two")

		delivered, err := q.MarkDelivered(first.DeliveryTag)
		require.NoError(t, err)
		assert.Equal(t, StateDeliveredUnacked, delivered.State)

		acked, err := q.Ack(first.DeliveryTag)
		require.NoError(t, err)
		assert.Equal(t, StateAcked, acked.State)
		assert.Equal(t, "one", string(acked.Body))

		head, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, second.DeliveryTag, head.DeliveryTag)

		stats := q.Stats()
		assert.Equal(t, 1, stats.Ready)
		assert.Equal(t, 0, stats.Unacked)
		assert.Equal(t, uint64(1), stats.Acked)
	})

	t.Run("double ack fails without corrupting state", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		first := enqueueBody(t, q, "one")
		enqueueBody(t, q, "two")

		_, err := q.MarkDelivered(first.DeliveryTag)
		require.NoError(t, err)
		_, err = q.Ack(first.DeliveryTag)
		require.NoError(t, err)

		_, err = q.Ack(first.DeliveryTag)
		assert.ErrorIs(t, err, ErrUnknownDeliveryTag)

		var qErr *QueueError
		require.ErrorAs(t, err, &qErr)
		assert.Equal(t, first.DeliveryTag, qErr.DeliveryTag)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("ack of a ready envelope is an invalid state", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		env := enqueueBody(t, q, "one")

		_, err := q.Ack(env.DeliveryTag)
		assert.ErrorIs(t, err, ErrInvalidState)

		_, err = q.MarkDelivered(env.DeliveryTag)
		require.NoError(t, err)
		_, err = q.MarkDelivered(env.DeliveryTag)
		assert.ErrorIs(t, err, ErrInvalidState)

		_, err = q.MarkDelivered(99)
		assert.ErrorIs(t, err, ErrUnknownDeliveryTag)
	})
}

func TestQueue_Nack(t *testing.T) {
	t.Run("requeue goes to the tail with attempt incremented", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		first := enqueueBody(t, q, "one")
		second := enqueueBody(t, q, "two")

		_, err := q.MarkDelivered(first.DeliveryTag)
		require.NoError(t, err)

		result, err := q.Nack(first.DeliveryTag, true)
		require.NoError(t, err)
		assert.True(t, result.Requeued)
		assert.Equal(t, 2, result.Envelope.Attempt)
		assert.Equal(t, StateReady, result.Envelope.State)
		assert.Equal(t, uint64(3), result.Envelope.DeliveryTag)
		assert.True(t, result.Envelope.Redelivered())

		head, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, second.DeliveryTag, head.DeliveryTag)

		// the old tag is gone for good
		_, err = q.Ack(first.DeliveryTag)
		assert.ErrorIs(t, err, ErrUnknownDeliveryTag)
	})

	t.Run("without requeue the envelope is dead-lettered", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		env := enqueueBody(t, q, "one")
		_, err := q.MarkDelivered(env.DeliveryTag)
		require.NoError(t, err)

		result, err := q.Nack(env.DeliveryTag, false)
		require.NoError(t, err)
		assert.False(t, result.Requeued)
		assert.Equal(t, ReasonRejected, result.Reason)
		assert.Equal(t, StateDeadLettered, result.Envelope.State)
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, uint64(1), q.Stats().DeadLettered)
	})

	t.Run("retry cap dead-letters on the first nack past the cap", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{})
		require.Equal(t, DefaultMaxRetries, q.MaxRetries())
		enqueueBody(t, q, "one")

		var results []NackResult
		for {
			env, _, ok := q.next(time.Now())
			require.True(t, ok)
			result, err := q.Nack(env.DeliveryTag, true)
			require.NoError(t, err)
			results = append(results, result)
			if !result.Requeued {
				break
			}
		}

		require.Len(t, results, DefaultMaxRetries+1)
		last := results[len(results)-1]
		assert.Equal(t, ReasonRetriesExhausted, last.Reason)
		assert.Equal(t, DefaultMaxRetries+1, last.Envelope.Attempt)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("negative cap requeues forever", func(t *testing.T) {
		q := newTestQueue(t, QueueConfig{MaxRetries: -1})
		enqueueBody(t, q, "one")

		for i := 0; i < 20; i++ {
			env, _, ok := q.next(time.Now())
			require.True(t, ok)
			result, err := q.Nack(env.DeliveryTag, true)
			require.NoError(t, err)
			require.True(t, result.Requeued)
		}
		head, ok := q.PeekNext()
		require.True(t, ok)
		assert.Equal(t, 21, head.Attempt)
	})
}

func TestQueue_TTL(t *testing.T) {
	q := newTestQueue(t, QueueConfig{TTL: time.Minute})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(Envelope{MessageID: "old", EnqueuedAt: base})
	require.NoError(t, err)
	_, err = q.Enqueue(Envelope{MessageID: "fresh", EnqueuedAt: base.Add(45 * time.Second)})
	require.NoError(t, err)

	env, expired, ok := q.next(base.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, "fresh", env.MessageID)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].MessageID)
	assert.Equal(t, StateDeadLettered, expired[0].State)

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 1, stats.Unacked)
}

func TestQueue_MarkDeliveredRefusesExpired(t *testing.T) {
	q := newTestQueue(t, QueueConfig{TTL: time.Second})

	var dead []Envelope
	q.deadLetter = func(env Envelope, reason DeadLetterReason) {
		assert.Equal(t, ReasonExpired, reason)
		dead = append(dead, env)
	}

	env, err := q.Enqueue(Envelope{MessageID: "stale", EnqueuedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	_, ok := q.PeekNext()
	assert.False(t, ok)

	out, err := q.MarkDelivered(env.DeliveryTag)
	assert.ErrorIs(t, err, ErrMessageExpired)
	assert.Equal(t, StateDeadLettered, out.State)
	require.Len(t, dead, 1)
	assert.Equal(t, "stale", dead[0].MessageID)

	stats := q.Stats()
	assert.Equal(t, uint64(0), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 0, stats.Unacked)
}
