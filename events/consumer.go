package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/contracts"
)

// Handler processes decoded todo events. Returning an error causes the
// delivery to be retried and eventually dead-lettered.
type Handler interface {
	HandleTodoEvent(ctx context.Context, routingKey string, event *contracts.TodoEvent) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, routingKey string, event *contracts.TodoEvent) error

// HandleTodoEvent implements Handler
func (f HandlerFunc) HandleTodoEvent(ctx context.Context, routingKey string, event *contracts.TodoEvent) error {
	return f(ctx, routingKey, event)
}

// TodoEventConsumer adapts a Handler to a broker.Consumer. Successful
// processing acks the delivery; a failure requeues it until the retry
// budget is spent, after which it is rejected without requeue so that the
// queue dead-letters it.
type TodoEventConsumer struct {
	handler    Handler
	maxRetries int
	logger     *slog.Logger
}

// ConsumerOption configures the TodoEventConsumer
type ConsumerOption func(*TodoEventConsumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *TodoEventConsumer) {
		c.logger = logger
	}
}

// WithMaxRetries sets how many times a failed delivery is requeued. A
// negative value requeues without limit and leaves the cap to the queue.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *TodoEventConsumer) {
		c.maxRetries = n
	}
}

// NewTodoEventConsumer creates a consumer calling handler
func NewTodoEventConsumer(handler Handler, options ...ConsumerOption) *TodoEventConsumer {
	c := &TodoEventConsumer{
		handler:    handler,
		maxRetries: broker.DefaultMaxRetries,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume implements broker.Consumer
func (c *TodoEventConsumer) Consume(ctx context.Context, d *broker.Delivery) {
	logger := c.logger.With(
		"queue", d.Queue,
		"routingKey", d.RoutingKey,
		"messageId", d.MessageID,
		"deliveryTag", d.DeliveryTag,
		"attempt", d.Attempt,
	)

	err := c.process(ctx, d)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			logger.Error("Failed to acknowledge message", "error", ackErr)
			return
		}
		logger.Debug("Message acknowledged")
		return
	}

	requeue := c.maxRetries < 0 || d.Attempt-1 < c.maxRetries
	logger.Error("Failed to process todo event", "error", err, "requeue", requeue)
	if nackErr := d.Nack(requeue); nackErr != nil {
		logger.Error("Failed to nack message", "error", nackErr)
	}
}

func (c *TodoEventConsumer) process(ctx context.Context, d *broker.Delivery) error {
	event, err := contracts.DecodeTodoEvent(d.Body)
	if err != nil {
		return err
	}

	if err := c.handler.HandleTodoEvent(ctx, d.RoutingKey, event); err != nil {
		return &ProcessingError{
			MessageID:  d.MessageID,
			RoutingKey: d.RoutingKey,
			Attempt:    d.Attempt,
			Err:        errors.Join(ErrProcessingFailed, err),
		}
	}
	return nil
}
