package broker

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxRetries is the number of requeues a queue allows before a
// nacked envelope is dead-lettered instead
const DefaultMaxRetries = 3

// QueueConfig declares a queue
type QueueConfig struct {
	Name    string
	Durable bool

	// TTL is the maximum time an envelope may wait before delivery. Zero
	// disables expiry.
	TTL time.Duration

	// DeadLetterExchange receives rejected, expired and exhausted
	// envelopes. Without it such envelopes are dropped.
	DeadLetterExchange string

	// DeadLetterRoutingKey replaces the original routing key on
	// dead-lettered envelopes when set.
	DeadLetterRoutingKey string

	// MaxLength bounds the number of ready envelopes. Zero means unbounded.
	MaxLength int

	// MaxRetries caps requeues per envelope. Zero selects the broker
	// default and a negative value disables the cap.
	MaxRetries int
}

// Validate checks the declaration
func (c QueueConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidQueue)
	case c.TTL < 0:
		return fmt.Errorf("%w: negative ttl", ErrInvalidQueue)
	case c.MaxLength < 0:
		return fmt.Errorf("%w: negative max length", ErrInvalidQueue)
	case c.DeadLetterRoutingKey != "" && c.DeadLetterExchange == "":
		return fmt.Errorf("%w: dead-letter routing key without dead-letter exchange", ErrInvalidQueue)
	}
	return nil
}

// QueueStats is a point-in-time view of a queue
type QueueStats struct {
	Name         string `json:"name"`
	Ready        int    `json:"ready"`
	Unacked      int    `json:"unacked"`
	Enqueued     uint64 `json:"enqueued"`
	Delivered    uint64 `json:"delivered"`
	Acked        uint64 `json:"acked"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"deadLettered"`
	Expired      uint64 `json:"expired"`
	Closed       bool   `json:"closed"`
	// Consumers is filled in by the broker
	Consumers int `json:"consumers"`
}

// NackResult tells what a negative acknowledgement did
type NackResult struct {
	Envelope Envelope
	Requeued bool
	// Reason is set when the envelope was dead-lettered
	Reason DeadLetterReason
}

// DeadLetterFunc receives envelopes a queue dead-lettered
type DeadLetterFunc func(env Envelope, reason DeadLetterReason)

// Queue is an ordered envelope buffer. All state changes happen under the
// queue's own lock; delivery tags come from a counter owned by the queue
// and are never reused.
//
// A queue declared through a Broker hands every envelope it dead-letters,
// by Nack or by expiry, to the broker's dead-letter router. A standalone
// queue only reports them in its results.
type Queue struct {
	cfg        QueueConfig
	maxRetries int
	now        func() time.Time
	deadLetter DeadLetterFunc

	mu       sync.Mutex
	ready    []*Envelope
	unacked  map[uint64]*Envelope
	reserved int
	nextTag  uint64
	closed   bool
	stats    QueueStats

	notify chan struct{}
	done   chan struct{}
}

// NewQueue creates a standalone queue. A zero MaxRetries resolves to
// DefaultMaxRetries.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	return newQueue(cfg, DefaultMaxRetries)
}

func newQueue(cfg QueueConfig, defaultMaxRetries int) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	return &Queue{
		cfg:        cfg,
		maxRetries: maxRetries,
		now:        time.Now,
		unacked:    make(map[uint64]*Envelope),
		stats:      QueueStats{Name: cfg.Name},
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Config returns the declaration the queue was created with
func (q *Queue) Config() QueueConfig {
	return q.cfg
}

// MaxRetries returns the effective requeue cap; negative means unbounded
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends an envelope in the ready state and returns it with its
// assigned delivery tag
func (q *Queue) Enqueue(env Envelope) (Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Envelope{}, q.errorf("enqueue", 0, ErrQueueClosed)
	}
	if q.fullLocked() {
		return Envelope{}, q.errorf("enqueue", 0, ErrQueueFull)
	}
	return q.pushLocked(env), nil
}

// PeekNext returns the first ready envelope that has not expired, without
// changing the queue. Expired envelopes are left for the next delivery
// attempt to dead-letter.
func (q *Queue) PeekNext() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, env := range q.ready {
		if !env.expired(q.cfg.TTL, now) {
			return env.clone(), true
		}
	}
	return Envelope{}, false
}

// MarkDelivered moves a ready envelope to delivered-unacked. An envelope
// whose TTL has elapsed is dead-lettered instead and ErrMessageExpired is
// returned with it.
func (q *Queue) MarkDelivered(deliveryTag uint64) (Envelope, error) {
	q.mu.Lock()

	idx := q.readyIndexLocked(deliveryTag)
	if idx < 0 {
		err := q.missingLocked(deliveryTag, false)
		q.mu.Unlock()
		return Envelope{}, q.errorf("mark delivered", deliveryTag, err)
	}

	env := q.ready[idx]
	q.ready = append(q.ready[:idx], q.ready[idx+1:]...)

	if env.expired(q.cfg.TTL, q.now()) {
		env.State = StateDeadLettered
		q.stats.Expired++
		q.stats.DeadLettered++
		dead := env.clone()
		q.mu.Unlock()

		q.handOff(dead, ReasonExpired)
		return dead, q.errorf("mark delivered", deliveryTag, ErrMessageExpired)
	}

	q.deliverLocked(env)
	out := env.clone()
	q.mu.Unlock()
	return out, nil
}

// Ack removes a delivered envelope. A second ack of the same tag fails
// with ErrUnknownDeliveryTag.
func (q *Queue) Ack(deliveryTag uint64) (Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	env, ok := q.unacked[deliveryTag]
	if !ok {
		return Envelope{}, q.errorf("ack", deliveryTag, q.missingLocked(deliveryTag, true))
	}

	delete(q.unacked, deliveryTag)
	env.State = StateAcked
	q.stats.Acked++
	return env.clone(), nil
}

// Nack rejects a delivered envelope. With requeue the envelope re-enters
// at the tail with a fresh delivery tag and Attempt+1, unless the retry cap
// is reached; in that case, or without requeue, it is dead-lettered.
func (q *Queue) Nack(deliveryTag uint64, requeue bool) (NackResult, error) {
	result, err := q.nack(deliveryTag, requeue)
	if err == nil && !result.Requeued {
		q.handOff(result.Envelope, result.Reason)
	}
	return result, err
}

// nack settles the envelope without routing a dead-lettered result
func (q *Queue) nack(deliveryTag uint64, requeue bool) (NackResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	env, ok := q.unacked[deliveryTag]
	if !ok {
		return NackResult{}, q.errorf("nack", deliveryTag, q.missingLocked(deliveryTag, true))
	}
	delete(q.unacked, deliveryTag)

	if requeue && q.canRetry(env.Attempt) {
		q.nextTag++
		env.DeliveryTag = q.nextTag
		env.Attempt++
		env.State = StateReady
		q.ready = append(q.ready, env)
		q.stats.Requeued++
		q.signal()
		return NackResult{Envelope: env.clone(), Requeued: true}, nil
	}

	reason := ReasonRejected
	if requeue {
		reason = ReasonRetriesExhausted
	}
	env.State = StateDeadLettered
	q.stats.DeadLettered++
	return NackResult{Envelope: env.clone(), Reason: reason}, nil
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Ready = len(q.ready)
	s.Unacked = len(q.unacked)
	s.Closed = q.closed
	return s
}

// Len returns the number of ready envelopes
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Close stops the queue from accepting new envelopes. Ready and unacked
// envelopes are kept.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// next delivers the head envelope. Expired envelopes found at the head are
// removed first and returned for dead-lettering; they are never delivered.
func (q *Queue) next(now time.Time) (Envelope, []Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []Envelope
	for len(q.ready) > 0 {
		env := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]

		if env.expired(q.cfg.TTL, now) {
			env.State = StateDeadLettered
			q.stats.Expired++
			q.stats.DeadLettered++
			expired = append(expired, env.clone())
			continue
		}

		q.deliverLocked(env)
		return env.clone(), expired, true
	}
	return Envelope{}, expired, false
}

// reserve claims capacity for a later commit so that a multi-queue publish
// can fail before any queue changes
func (q *Queue) reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.errorf("enqueue", 0, ErrQueueClosed)
	}
	if q.fullLocked() {
		return q.errorf("enqueue", 0, ErrQueueFull)
	}
	q.reserved++
	return nil
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
}

func (q *Queue) commit(env Envelope) Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
	return q.pushLocked(env)
}

func (q *Queue) pushLocked(env Envelope) Envelope {
	q.nextTag++
	e := env.clone()
	e.DeliveryTag = q.nextTag
	e.State = StateReady
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.ready = append(q.ready, &e)
	q.stats.Enqueued++
	q.signal()
	return e.clone()
}

func (q *Queue) deliverLocked(env *Envelope) {
	env.State = StateDeliveredUnacked
	q.unacked[env.DeliveryTag] = env
	q.stats.Delivered++
}

func (q *Queue) fullLocked() bool {
	return q.cfg.MaxLength > 0 && len(q.ready)+q.reserved >= q.cfg.MaxLength
}

func (q *Queue) canRetry(attempt int) bool {
	return q.maxRetries < 0 || attempt-1 < q.maxRetries
}

func (q *Queue) readyIndexLocked(deliveryTag uint64) int {
	for i, env := range q.ready {
		if env.DeliveryTag == deliveryTag {
			return i
		}
	}
	return -1
}

// missingLocked picks the error for a tag that is not in the expected
// state: ErrInvalidState when it exists in the other state, otherwise
// ErrUnknownDeliveryTag
func (q *Queue) missingLocked(deliveryTag uint64, wantUnacked bool) error {
	if wantUnacked {
		if q.readyIndexLocked(deliveryTag) >= 0 {
			return ErrInvalidState
		}
	} else if _, ok := q.unacked[deliveryTag]; ok {
		return ErrInvalidState
	}
	return ErrUnknownDeliveryTag
}

func (q *Queue) handOff(env Envelope, reason DeadLetterReason) {
	if q.deadLetter != nil {
		q.deadLetter(env, reason)
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) errorf(op string, deliveryTag uint64, err error) error {
	return &QueueError{Queue: q.cfg.Name, Op: op, DeliveryTag: deliveryTag, Err: err}
}
