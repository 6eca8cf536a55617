package broker

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-bus/routing"
)

var (
	// Publish errors
	ErrUnknownExchange = routing.ErrUnknownExchange
	ErrPublishFailed   = errors.New("broker: publish failed")

	// Queue errors
	ErrUnknownQueue       = errors.New("broker: unknown queue")
	ErrQueueFull          = errors.New("broker: queue is full")
	ErrQueueClosed        = errors.New("broker: queue is closed")
	ErrQueueMismatch      = errors.New("broker: queue redeclared with different arguments")
	ErrInvalidQueue       = errors.New("broker: invalid queue declaration")
	ErrUnknownDeliveryTag = errors.New("broker: unknown delivery tag")
	ErrInvalidState       = errors.New("broker: envelope is not in the required state")
	ErrMessageExpired     = errors.New("broker: message expired before delivery")

	// Consumer errors
	ErrAlreadySubscribed = errors.New("broker: queue already has a consumer")
	ErrNotSubscribed     = errors.New("broker: queue has no consumer")
	ErrAlreadySettled    = errors.New("broker: delivery already acknowledged")
	ErrBrokerClosed      = errors.New("broker: broker is closed")
)

// PublishError describes a failed publish. Queue names the target queue
// that refused the message when the failure happened during enqueue.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Queue      string
	Err        error
}

func (e *PublishError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("broker: publish to %s/%s failed at queue '%s': %v",
			e.Exchange, e.RoutingKey, e.Queue, e.Err)
	}
	return fmt.Sprintf("broker: publish to %s/%s failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// QueueError describes a failed queue operation
type QueueError struct {
	Queue       string
	Op          string
	DeliveryTag uint64
	Err         error
}

func (e *QueueError) Error() string {
	if e.DeliveryTag > 0 {
		return fmt.Sprintf("broker: %s failed on queue '%s' (delivery tag %d): %v",
			e.Op, e.Queue, e.DeliveryTag, e.Err)
	}
	return fmt.Sprintf("broker: %s failed on queue '%s': %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// IsUnknownExchange reports whether err was caused by a missing exchange
func IsUnknownExchange(err error) bool {
	return errors.Is(err, ErrUnknownExchange)
}

// IsPublishFailed reports whether err is an enqueue failure during publish
func IsPublishFailed(err error) bool {
	return errors.Is(err, ErrPublishFailed)
}

// FailedQueue returns the queue that rejected a publish, if any
func FailedQueue(err error) (string, bool) {
	var pubErr *PublishError
	if errors.As(err, &pubErr) && pubErr.Queue != "" {
		return pubErr.Queue, true
	}
	return "", false
}
