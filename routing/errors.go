package routing

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownExchange      = errors.New("routing: unknown exchange")
	ErrExchangeKindMismatch = errors.New("routing: exchange redeclared with a different kind")
	ErrInvalidExchange      = errors.New("routing: invalid exchange declaration")
	ErrUnknownKind          = errors.New("routing: unknown exchange kind")
)

// ExchangeError describes a failed operation on a named exchange
type ExchangeError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("routing: %s on exchange '%s': %v", e.Op, e.Exchange, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
