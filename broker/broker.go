package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/routing"
	"github.com/google/uuid"
)

// Broker owns the exchanges, queues and dispatchers of one process
type Broker struct {
	router      *routing.Router
	deadLetters *DeadLetterRouter

	mu          sync.RWMutex
	queues      map[string]*Queue
	dispatchers map[string]*Dispatcher
	closed      bool

	logger            *slog.Logger
	metrics           MetricsCollector
	now               func() time.Time
	defaultMaxRetries int
	onReturn          ReturnHandler
	onConfirm         ConfirmHandler
}

// Option configures the Broker
type Option func(*Broker)

// WithLogger sets the logger for the broker and its components
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(b *Broker) {
		b.metrics = metrics
	}
}

// WithClock sets the time source used for enqueue times and TTL checks
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithDefaultMaxRetries sets the requeue cap for queues that do not set
// their own. A negative value disables the cap.
func WithDefaultMaxRetries(n int) Option {
	return func(b *Broker) {
		b.defaultMaxRetries = n
	}
}

// WithReturnHandler registers a callback for messages that matched no queue
func WithReturnHandler(handler ReturnHandler) Option {
	return func(b *Broker) {
		b.onReturn = handler
	}
}

// WithConfirmHandler registers a callback for every successful publish
func WithConfirmHandler(handler ConfirmHandler) Option {
	return func(b *Broker) {
		b.onConfirm = handler
	}
}

// New creates an empty broker
func New(options ...Option) *Broker {
	b := &Broker{
		queues:            make(map[string]*Queue),
		dispatchers:       make(map[string]*Dispatcher),
		logger:            slog.Default(),
		metrics:           NoOpMetricsCollector{},
		now:               time.Now,
		defaultMaxRetries: DefaultMaxRetries,
	}

	for _, opt := range options {
		opt(b)
	}

	b.router = routing.NewRouter(routing.WithRouterLogger(b.logger))
	b.deadLetters = NewDeadLetterRouter(b,
		WithDeadLetterLogger(b.logger),
		WithDeadLetterMetrics(b.metrics),
		WithDeadLetterClock(b.now),
	)

	return b
}

// Router exposes the exchange router
func (b *Broker) Router() *routing.Router {
	return b.router
}

// DeclareExchange registers an exchange
func (b *Broker) DeclareExchange(ex routing.Exchange) error {
	return b.router.DeclareExchange(ex)
}

// DeclareQueue creates a queue. Redeclaring with an identical config returns
// the existing queue; any difference fails with ErrQueueMismatch.
func (b *Broker) DeclareQueue(cfg QueueConfig) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	if existing, ok := b.queues[cfg.Name]; ok {
		if existing.Config() != cfg {
			return nil, &QueueError{Queue: cfg.Name, Op: "declare", Err: ErrQueueMismatch}
		}
		return existing, nil
	}

	q, err := newQueue(cfg, b.defaultMaxRetries)
	if err != nil {
		return nil, &QueueError{Queue: cfg.Name, Op: "declare", Err: err}
	}
	q.now = b.now
	q.deadLetter = func(env Envelope, reason DeadLetterReason) {
		b.deadLetter(context.Background(), q, env, reason)
	}
	b.queues[cfg.Name] = q

	b.logger.Debug("declared queue",
		"queue", cfg.Name,
		"durable", cfg.Durable,
		"ttl", cfg.TTL,
		"deadLetterExchange", cfg.DeadLetterExchange,
		"deadLetterRoutingKey", cfg.DeadLetterRoutingKey,
		"maxRetries", q.MaxRetries(),
	)
	return q, nil
}

// Bind links a declared queue to a declared exchange
func (b *Broker) Bind(exchange, queue, pattern string) error {
	if _, ok := b.Queue(queue); !ok {
		return &QueueError{Queue: queue, Op: "bind", Err: ErrUnknownQueue}
	}
	return b.router.Bind(exchange, queue, pattern)
}

// Unbind removes a binding
func (b *Broker) Unbind(exchange, queue, pattern string) error {
	return b.router.Unbind(exchange, queue, pattern)
}

// Queue returns a declared queue
func (b *Broker) Queue(name string) (*Queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	return q, ok
}

// Queues returns all queues sorted by name
func (b *Broker) Queues() []*Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Stats returns a snapshot of every queue
func (b *Broker) Stats() []QueueStats {
	queues := b.Queues()
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		out = append(out, b.queueStats(q))
	}
	return out
}

// QueueStats returns a snapshot of one queue
func (b *Broker) QueueStats(name string) (QueueStats, bool) {
	q, ok := b.Queue(name)
	if !ok {
		return QueueStats{}, false
	}
	return b.queueStats(q), true
}

func (b *Broker) queueStats(q *Queue) QueueStats {
	stats := q.Stats()
	b.mu.RLock()
	if _, ok := b.dispatchers[q.Name()]; ok {
		stats.Consumers = 1
	}
	b.mu.RUnlock()
	return stats
}

// Subscribe starts a dispatcher delivering the queue's envelopes to
// consumer. A queue has at most one consumer.
func (b *Broker) Subscribe(ctx context.Context, queue string, consumer Consumer) (*Dispatcher, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, &QueueError{Queue: queue, Op: "subscribe", Err: ErrUnknownQueue}
	}
	if _, exists := b.dispatchers[queue]; exists {
		return nil, &QueueError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed}
	}

	d := newDispatcher(b, q, consumer)
	b.dispatchers[queue] = d
	d.start(ctx)

	b.logger.Info("Consumer subscribed", "queue", queue, "consumerTag", d.ConsumerTag())
	return d, nil
}

// Unsubscribe stops the queue's dispatcher. Ready envelopes stay queued.
func (b *Broker) Unsubscribe(queue string) error {
	b.mu.Lock()
	d, ok := b.dispatchers[queue]
	delete(b.dispatchers, queue)
	b.mu.Unlock()

	if !ok {
		return &QueueError{Queue: queue, Op: "unsubscribe", Err: ErrNotSubscribed}
	}
	d.Stop()
	b.logger.Info("Consumer unsubscribed", "queue", queue, "consumerTag", d.ConsumerTag())
	return nil
}

// Cancel ends the subscription identified by consumerTag, like
// basic.cancel. It does not wait for the consumer call in progress, so it
// is safe to call from inside Consume.
func (b *Broker) Cancel(consumerTag string) error {
	b.mu.Lock()
	var found *Dispatcher
	for queue, d := range b.dispatchers {
		if d.ConsumerTag() == consumerTag {
			found = d
			delete(b.dispatchers, queue)
			break
		}
	}
	b.mu.Unlock()

	if found == nil {
		return fmt.Errorf("consumer %q: %w", consumerTag, ErrNotSubscribed)
	}
	found.signalStop()
	b.logger.Info("Consumer cancelled", "queue", found.Queue(), "consumerTag", consumerTag)
	return nil
}

// Get takes the next envelope of a queue without a subscription, like
// basic.get. ok is false when the queue has nothing ready.
func (b *Broker) Get(ctx context.Context, queue string) (*Delivery, bool, error) {
	q, exists := b.Queue(queue)
	if !exists {
		return nil, false, &QueueError{Queue: queue, Op: "get", Err: ErrUnknownQueue}
	}
	return b.next(ctx, q, "")
}

// Ack acknowledges a delivered envelope
func (b *Broker) Ack(queue string, deliveryTag uint64) error {
	q, ok := b.Queue(queue)
	if !ok {
		return &QueueError{Queue: queue, Op: "ack", Err: ErrUnknownQueue}
	}
	if _, err := q.Ack(deliveryTag); err != nil {
		return err
	}
	b.metrics.RecordAck(queue)
	return nil
}

// Nack rejects a delivered envelope and dead-letters it when the queue
// does not requeue it
func (b *Broker) Nack(ctx context.Context, queue string, deliveryTag uint64, requeue bool) (NackResult, error) {
	q, ok := b.Queue(queue)
	if !ok {
		return NackResult{}, &QueueError{Queue: queue, Op: "nack", Err: ErrUnknownQueue}
	}

	result, err := q.nack(deliveryTag, requeue)
	if err != nil {
		return result, err
	}
	b.metrics.RecordNack(queue, requeue)

	if result.Requeued {
		b.logger.Debug("Message requeued",
			"queue", queue,
			"messageId", result.Envelope.MessageID,
			"attempt", result.Envelope.Attempt,
		)
		return result, nil
	}

	if _, err := b.deadLetters.Route(ctx, q.Config(), result.Envelope, result.Reason); err != nil {
		return result, err
	}
	return result, nil
}

// Close stops every dispatcher and closes every queue. Envelopes left in
// the queues are kept but no longer delivered.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dispatchers := make([]*Dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	b.dispatchers = make(map[string]*Dispatcher)
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, d := range dispatchers {
		d.Stop()
	}
	for _, q := range queues {
		q.Close()
	}

	b.logger.Info("Broker closed", "queues", len(queues), "dispatchers", len(dispatchers))
	return nil
}

// next delivers the head of q, dead-lettering expired envelopes on the way
func (b *Broker) next(ctx context.Context, q *Queue, consumerTag string) (*Delivery, bool, error) {
	if q.Closed() {
		return nil, false, &QueueError{Queue: q.Name(), Op: "deliver", Err: ErrQueueClosed}
	}

	env, expired, ok := q.next(b.now())
	for _, e := range expired {
		b.deadLetter(ctx, q, e, ReasonExpired)
	}
	if !ok {
		return nil, false, nil
	}

	b.metrics.RecordDelivery(q.Name(), env.Attempt)
	return newDelivery(ctx, b, q.Name(), consumerTag, env), true, nil
}

// deadLetter routes an envelope the queue dead-lettered outside Nack
func (b *Broker) deadLetter(ctx context.Context, q *Queue, env Envelope, reason DeadLetterReason) {
	if reason == ReasonExpired {
		b.logger.Info("Message expired before delivery",
			"queue", q.Name(),
			"messageId", env.MessageID,
			"enqueuedAt", env.EnqueuedAt,
			"ttl", q.Config().TTL,
		)
	}
	if _, err := b.deadLetters.Route(ctx, q.Config(), env, reason); err != nil {
		b.logger.Error("Failed to dead-letter message", "error", err, "queue", q.Name(), "reason", reason)
	}
}

func newConsumerTag() string {
	return "ctag-" + uuid.NewString()
}

func isQueueClosed(err error) bool {
	return errors.Is(err, ErrQueueClosed)
}
