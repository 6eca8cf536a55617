package broker

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-bus/routing"
	"github.com/google/uuid"
)

// Publisher publishes messages to an exchange
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) (PublishOutcome, error)
}

// PublishOutcome reports where a published message went. Routed is false
// when no binding matched; that is not an error.
type PublishOutcome struct {
	Routed       bool
	TargetQueues []string
	MessageID    string
}

// Returned describes a message that matched no queue
type Returned struct {
	Exchange   string
	RoutingKey string
	Message    Message
}

// ReturnHandler is called for unroutable messages
type ReturnHandler func(Returned)

// ConfirmHandler is called after a message was enqueued in every target
type ConfirmHandler func(exchange, routingKey string, outcome PublishOutcome)

// Publish routes msg through exchange and enqueues one envelope per target
// queue. Either every target accepts the envelope or none does and a
// *PublishError naming the refusing queue is returned.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg Message) (PublishOutcome, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		b.metrics.RecordPublishFailure(exchange, "cancelled")
		return PublishOutcome{}, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	targets, err := b.router.Route(exchange, routingKey)
	if err != nil {
		reason := "route"
		if errors.Is(err, routing.ErrUnknownExchange) {
			reason = "unknown_exchange"
		}
		b.metrics.RecordPublishFailure(exchange, reason)
		return PublishOutcome{}, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	if len(targets) == 0 {
		b.logger.Warn("Message not routed to any queue",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageID,
		)
		if b.onReturn != nil {
			b.onReturn(Returned{Exchange: exchange, RoutingKey: routingKey, Message: msg})
		}
		outcome := PublishOutcome{MessageID: msg.MessageID}
		b.metrics.RecordPublish(exchange, false, 0, time.Since(start))
		return outcome, nil
	}

	queues, err := b.reserve(exchange, routingKey, targets)
	if err != nil {
		b.metrics.RecordPublishFailure(exchange, "enqueue")
		return PublishOutcome{}, err
	}

	env := Envelope{
		MessageID:   msg.MessageID,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Body:        bytes.Clone(msg.Body),
		ContentType: msg.ContentType,
		Headers:     cloneHeaders(msg.Headers),
		EnqueuedAt:  b.now(),
		Attempt:     1,
	}
	for _, q := range queues {
		q.commit(env)
	}

	outcome := PublishOutcome{Routed: true, TargetQueues: targets, MessageID: msg.MessageID}
	b.logger.Debug("Message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageID,
		"targets", targets,
	)
	if b.onConfirm != nil {
		b.onConfirm(exchange, routingKey, outcome)
	}
	b.metrics.RecordPublish(exchange, true, len(targets), time.Since(start))
	return outcome, nil
}

// reserve claims a slot in every target queue, releasing the claims already
// made when one queue refuses
func (b *Broker) reserve(exchange, routingKey string, targets []string) ([]*Queue, error) {
	queues := make([]*Queue, 0, len(targets))

	fail := func(queue string, cause error) ([]*Queue, error) {
		for _, q := range queues {
			q.release()
		}
		b.logger.Error("Publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"queue", queue,
			"error", cause,
		)
		return nil, &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Queue:      queue,
			Err:        errors.Join(ErrPublishFailed, cause),
		}
	}

	for _, name := range targets {
		q, ok := b.Queue(name)
		if !ok {
			return fail(name, ErrUnknownQueue)
		}
		if err := q.reserve(); err != nil {
			return fail(name, err)
		}
		queues = append(queues, q)
	}
	return queues, nil
}
