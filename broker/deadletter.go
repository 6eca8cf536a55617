package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterReason says why an envelope left its queue without an ack
type DeadLetterReason string

const (
	ReasonRejected         DeadLetterReason = "rejected"
	ReasonExpired          DeadLetterReason = "expired"
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
)

// DeadLetterResult reports what happened to a dead-lettered envelope
type DeadLetterResult struct {
	Reason DeadLetterReason
	// Dropped is true when the envelope was not re-published anywhere
	Dropped bool
	Outcome PublishOutcome
}

// DeadLetterRouter re-publishes dead-lettered envelopes to the dead-letter
// exchange of their queue through the ordinary publish path
type DeadLetterRouter struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   MetricsCollector
	now       func() time.Time
}

// DeadLetterOption configures the DeadLetterRouter
type DeadLetterOption func(*DeadLetterRouter)

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(r *DeadLetterRouter) {
		r.logger = logger
	}
}

// WithDeadLetterMetrics sets the metrics collector
func WithDeadLetterMetrics(metrics MetricsCollector) DeadLetterOption {
	return func(r *DeadLetterRouter) {
		r.metrics = metrics
	}
}

// WithDeadLetterClock sets the time source used for death headers
func WithDeadLetterClock(now func() time.Time) DeadLetterOption {
	return func(r *DeadLetterRouter) {
		r.now = now
	}
}

// NewDeadLetterRouter creates a router publishing through publisher
func NewDeadLetterRouter(publisher Publisher, options ...DeadLetterOption) *DeadLetterRouter {
	r := &DeadLetterRouter{
		publisher: publisher,
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
		now:       time.Now,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Route dead-letters env, which came from queue. Without a dead-letter
// exchange the envelope is dropped. A failed or unrouted re-publish is
// logged and the envelope is lost; it is never retried.
func (r *DeadLetterRouter) Route(ctx context.Context, queue QueueConfig, env Envelope, reason DeadLetterReason) (DeadLetterResult, error) {
	result := DeadLetterResult{Reason: reason, Dropped: true}

	if queue.DeadLetterExchange == "" {
		r.logger.Warn("Dropped dead-lettered message",
			"queue", queue.Name,
			"messageId", env.MessageID,
			"routingKey", env.RoutingKey,
			"reason", reason,
		)
		r.metrics.RecordDeadLetter(queue.Name, reason, false)
		return result, nil
	}

	routingKey := queue.DeadLetterRoutingKey
	if routingKey == "" {
		routingKey = env.RoutingKey
	}

	msg := Message{
		MessageID:   env.MessageID,
		Body:        env.Body,
		ContentType: env.ContentType,
		Headers:     r.deathHeaders(queue.Name, env, reason),
	}

	// a dispatcher being stopped must not lose the envelope it is settling
	outcome, err := r.publisher.Publish(context.WithoutCancel(ctx), queue.DeadLetterExchange, routingKey, msg)
	if err != nil {
		r.logger.Error("Failed to publish dead-lettered message",
			"error", err,
			"queue", queue.Name,
			"messageId", env.MessageID,
			"deadLetterExchange", queue.DeadLetterExchange,
			"reason", reason,
		)
		r.metrics.RecordDeadLetter(queue.Name, reason, false)
		return result, fmt.Errorf("dead-letter message %s from queue %s: %w", env.MessageID, queue.Name, err)
	}

	result.Outcome = outcome
	if !outcome.Routed {
		r.logger.Warn("Dead-letter exchange did not route message",
			"queue", queue.Name,
			"messageId", env.MessageID,
			"deadLetterExchange", queue.DeadLetterExchange,
			"routingKey", routingKey,
			"reason", reason,
		)
		r.metrics.RecordDeadLetter(queue.Name, reason, false)
		return result, nil
	}

	result.Dropped = false
	r.logger.Info("Message dead-lettered",
		"queue", queue.Name,
		"messageId", env.MessageID,
		"deadLetterExchange", queue.DeadLetterExchange,
		"routingKey", routingKey,
		"targets", outcome.TargetQueues,
		"reason", reason,
	)
	r.metrics.RecordDeadLetter(queue.Name, reason, true)
	return result, nil
}

func (r *DeadLetterRouter) deathHeaders(queue string, env Envelope, reason DeadLetterReason) amqp.Table {
	headers := cloneHeaders(env.Headers)
	if headers == nil {
		headers = amqp.Table{}
	}

	headers[HeaderDeathCount] = int64(headerInt(headers, HeaderDeathCount) + 1)
	headers[HeaderDeathReason] = string(reason)
	headers[HeaderOriginalQueue] = queue
	headers[HeaderOriginalExchange] = env.Exchange
	headers[HeaderOriginalRoutingKey] = env.RoutingKey
	if _, ok := headers[HeaderFirstDeathTime]; !ok {
		headers[HeaderFirstDeathTime] = r.now().Unix()
	}
	return headers
}

// headerInt reads an integer header regardless of its numeric type
func headerInt(headers amqp.Table, key string) int {
	switch val := headers[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
