// Package broker implements an in-process message broker with AMQP-like
// delivery semantics.
//
// Messages published to an exchange are routed through the bindings of the
// routing package into queues. Every queue owns its envelopes and hands them,
// one at a time and in delivery-tag order, to a single registered Consumer.
// Consumers settle each delivery exactly once with Ack or Nack. A negative
// acknowledgement either requeues the envelope at the tail of the queue or,
// when requeue is not requested or the retry cap is reached, dead-letters it.
// Queues may declare a message TTL; expiry is evaluated lazily when an
// envelope reaches the head of the queue and would be delivered.
//
// Dead-lettered envelopes are re-published to the queue's dead-letter
// exchange when one is configured and dropped otherwise.
//
// Basic usage:
//
//	b := broker.New(broker.WithLogger(logger))
//	_ = b.DeclareExchange(routing.Exchange{Name: "events", Kind: routing.KindTopic})
//	_, _ = b.DeclareQueue(broker.QueueConfig{Name: "audit"})
//	_ = b.Bind("events", "audit", "todo.#")
//
//	_, _ = b.Subscribe(ctx, "audit", broker.ConsumerFunc(func(ctx context.Context, d *broker.Delivery) {
//		_ = d.Ack()
//	}))
//
//	outcome, err := b.Publish(ctx, "events", "todo.created", broker.Message{Body: body})
package broker
