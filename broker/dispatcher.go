package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Consumer handles deliveries of one queue. It must settle every delivery
// with exactly one Ack or Nack before returning.
//
// Consume runs on the dispatcher's goroutine, so it must not call
// Dispatcher.Stop or Broker.Unsubscribe for its own queue: both wait for
// Consume to return. Use Broker.Cancel with the delivery's ConsumerTag.
type Consumer interface {
	Consume(ctx context.Context, d *Delivery)
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc func(ctx context.Context, d *Delivery)

// Consume implements Consumer
func (f ConsumerFunc) Consume(ctx context.Context, d *Delivery) {
	f(ctx, d)
}

// Delivery is one envelope handed to a consumer together with the
// capability to settle it
type Delivery struct {
	Envelope
	Queue       string
	ConsumerTag string

	ctx    context.Context
	broker *Broker

	mu      sync.Mutex
	settled bool
}

func newDelivery(ctx context.Context, b *Broker, queue, consumerTag string, env Envelope) *Delivery {
	return &Delivery{
		Envelope:    env,
		Queue:       queue,
		ConsumerTag: consumerTag,
		ctx:         ctx,
		broker:      b,
	}
}

// Ack acknowledges the delivery and removes the envelope from its queue
func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return &QueueError{Queue: d.Queue, Op: "ack", DeliveryTag: d.DeliveryTag, Err: ErrAlreadySettled}
	}
	if err := d.broker.Ack(d.Queue, d.DeliveryTag); err != nil {
		return err
	}
	d.settled = true
	return nil
}

// Nack rejects the delivery. With requeue the envelope goes back to the
// tail of the queue unless its retry cap is reached.
func (d *Delivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return &QueueError{Queue: d.Queue, Op: "nack", DeliveryTag: d.DeliveryTag, Err: ErrAlreadySettled}
	}
	result, err := d.broker.Nack(d.ctx, d.Queue, d.DeliveryTag, requeue)
	if result.Envelope.DeliveryTag != 0 {
		// the queue already changed state even if dead-lettering failed
		d.settled = true
	}
	return err
}

// Settled reports whether Ack or Nack succeeded
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Dispatcher runs the delivery loop of one queue. A slow consumer only
// delays its own queue.
type Dispatcher struct {
	broker   *Broker
	queue    *Queue
	consumer Consumer
	tag      string
	logger   *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newDispatcher(b *Broker, q *Queue, consumer Consumer) *Dispatcher {
	tag := newConsumerTag()
	return &Dispatcher{
		broker:   b,
		queue:    q,
		consumer: consumer,
		tag:      tag,
		logger:   b.logger.With("queue", q.Name(), "consumerTag", tag),
		done:     make(chan struct{}),
	}
}

// ConsumerTag identifies the dispatcher's consumer
func (d *Dispatcher) ConsumerTag() string {
	return d.tag
}

// Queue returns the queue served by the dispatcher
func (d *Dispatcher) Queue() string {
	return d.queue.Name()
}

// Done is closed when the delivery loop has exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stop ends the delivery loop and waits for the current consumer call to
// return. Ready envelopes stay in the queue; an envelope delivered but not
// settled stays unacked.
func (d *Dispatcher) Stop() {
	d.signalStop()
	<-d.done
}

// signalStop ends the delivery loop after the current consumer call
func (d *Dispatcher) signalStop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
}

func (d *Dispatcher) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}

		delivery, ok, err := d.broker.next(ctx, d.queue, d.tag)
		if err != nil {
			if isQueueClosed(err) {
				d.logger.Info("Queue closed, stopping dispatcher")
			} else {
				d.logger.Error("Dispatcher stopped", "error", err)
			}
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.done:
			case <-d.queue.notify:
			}
			continue
		}

		d.consume(ctx, delivery)
	}
}

// consume invokes the consumer. A panic is treated as a failed processing
// attempt and the delivery is requeued.
func (d *Dispatcher) consume(ctx context.Context, delivery *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Consumer panicked",
				"panic", fmt.Sprint(r),
				"messageId", delivery.MessageID,
				"deliveryTag", delivery.DeliveryTag,
			)
			if !delivery.Settled() {
				if err := delivery.Nack(true); err != nil {
					d.logger.Error("Failed to nack after panic", "error", err)
				}
			}
		}
	}()

	d.consumer.Consume(ctx, delivery)

	if !delivery.Settled() {
		d.logger.Warn("Consumer returned without settling delivery",
			"messageId", delivery.MessageID,
			"deliveryTag", delivery.DeliveryTag,
		)
	}
}
