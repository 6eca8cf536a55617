package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TodoEventExchange is the topic exchange todo events are published on
const TodoEventExchange = "todo.event.exchange"

// HeaderEventType carries the event type next to the payload
const HeaderEventType = "x-event-type"

// TodoEventProducer publishes todo events
type TodoEventProducer struct {
	publisher broker.Publisher
	exchange  string
	logger    *slog.Logger
}

// ProducerOption configures the TodoEventProducer
type ProducerOption func(*TodoEventProducer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *TodoEventProducer) {
		p.logger = logger
	}
}

// WithExchange overrides the exchange events are published on
func WithExchange(exchange string) ProducerOption {
	return func(p *TodoEventProducer) {
		p.exchange = exchange
	}
}

// NewTodoEventProducer creates a producer publishing through publisher
func NewTodoEventProducer(publisher broker.Publisher, options ...ProducerOption) *TodoEventProducer {
	p := &TodoEventProducer{
		publisher: publisher,
		exchange:  TodoEventExchange,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// SendCreated publishes event as created
func (p *TodoEventProducer) SendCreated(ctx context.Context, event *contracts.TodoEvent) (broker.PublishOutcome, error) {
	return p.Send(ctx, contracts.EventCreated, event)
}

// SendUpdated publishes event as updated
func (p *TodoEventProducer) SendUpdated(ctx context.Context, event *contracts.TodoEvent) (broker.PublishOutcome, error) {
	return p.Send(ctx, contracts.EventUpdated, event)
}

// SendDeleted publishes event as deleted
func (p *TodoEventProducer) SendDeleted(ctx context.Context, event *contracts.TodoEvent) (broker.PublishOutcome, error) {
	return p.Send(ctx, contracts.EventDeleted, event)
}

// SendToggled publishes event as toggled
func (p *TodoEventProducer) SendToggled(ctx context.Context, event *contracts.TodoEvent) (broker.PublishOutcome, error) {
	return p.Send(ctx, contracts.EventToggled, event)
}

// Send assigns eventType to event and publishes it with the matching
// routing key. An event that already carries a different type is refused.
func (p *TodoEventProducer) Send(ctx context.Context, eventType contracts.EventType, event *contracts.TodoEvent) (broker.PublishOutcome, error) {
	if event == nil {
		return broker.PublishOutcome{}, fmt.Errorf("event cannot be nil")
	}
	if err := event.SetEventType(eventType); err != nil {
		return broker.PublishOutcome{}, err
	}

	body, err := event.Encode()
	if err != nil {
		return broker.PublishOutcome{}, fmt.Errorf("failed to encode todo event: %w", err)
	}

	routingKey := eventType.RoutingKey()
	outcome, err := p.publisher.Publish(ctx, p.exchange, routingKey, broker.Message{
		Body:        body,
		ContentType: contracts.ContentTypeJSON,
		Headers:     amqp.Table{HeaderEventType: string(eventType)},
	})
	if err != nil {
		p.logger.Error("Failed to send todo event",
			"error", err,
			"exchange", p.exchange,
			"routingKey", routingKey,
			"event", event.String(),
		)
		return outcome, err
	}

	p.logger.Info("Sent todo event",
		"exchange", p.exchange,
		"routingKey", routingKey,
		"messageId", outcome.MessageID,
		"routed", outcome.Routed,
		"event", event.String(),
	)
	return outcome, nil
}
