package routing

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind is the routing behaviour of an exchange
type Kind string

const (
	// KindTopic routes by wildcard pattern
	KindTopic Kind = amqp.ExchangeTopic
	// KindDirect routes by exact routing key
	KindDirect Kind = amqp.ExchangeDirect
	// KindFanout routes to every bound queue
	KindFanout Kind = amqp.ExchangeFanout
)

// ParseKind converts a configuration string into a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTopic, KindDirect, KindFanout:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Exchange is a named routing entity. It is immutable once declared.
type Exchange struct {
	Name    string
	Kind    Kind
	Durable bool
}

// Validate checks that the declaration can be registered
func (e Exchange) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidExchange)
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	return nil
}
