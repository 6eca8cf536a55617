package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a payload cannot be decoded
	ErrMalformedPayload = errors.New("contracts: malformed payload")

	// ErrUnknownEventType is returned for an event type outside the known set
	ErrUnknownEventType = errors.New("contracts: unknown event type")

	// ErrEventTypeAlreadySet is returned when an event type is changed after
	// it was assigned
	ErrEventTypeAlreadySet = errors.New("contracts: event type already set")

	// ErrMissingEventType is returned when encoding an event without a type
	ErrMissingEventType = errors.New("contracts: event type not set")
)

// DecodeError describes a payload that failed to decode
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v (field %s)", e.Err, e.Field)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(field string, cause error) error {
	return &DecodeError{Field: field, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, cause)}
}
