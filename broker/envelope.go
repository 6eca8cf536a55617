package broker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the delivery state of an envelope
type State int

const (
	StateReady State = iota + 1
	StateDeliveredUnacked
	StateAcked
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDeliveredUnacked:
		return "delivered-unacked"
	case StateAcked:
		return "acked"
	case StateDeadLettered:
		return "dead-lettered"
	default:
		return "unknown"
	}
}

// Message is what a publisher hands to the broker
type Message struct {
	// MessageID is generated when empty
	MessageID   string
	Body        []byte
	ContentType string
	Headers     amqp.Table
}

// Envelope is one message instance held by one queue
type Envelope struct {
	MessageID   string
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Body        []byte
	ContentType string
	Headers     amqp.Table
	EnqueuedAt  time.Time
	Attempt     int
	State       State
}

// Redelivered reports whether the envelope was requeued at least once
func (e Envelope) Redelivered() bool {
	return e.Attempt > 1
}

// expired reports whether ttl has elapsed since the envelope was enqueued
func (e Envelope) expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && !now.Before(e.EnqueuedAt.Add(ttl))
}

func (e Envelope) clone() Envelope {
	e.Headers = cloneHeaders(e.Headers)
	return e
}

func cloneHeaders(h amqp.Table) amqp.Table {
	if h == nil {
		return nil
	}
	out := make(amqp.Table, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Header names set on dead-lettered messages
const (
	HeaderDeathReason        = "x-death-reason"
	HeaderDeathCount         = "x-death-count"
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderFirstDeathTime     = "x-first-death-time"
)
