package events

import (
	"errors"
	"fmt"
)

// ErrProcessingFailed marks failures reported by a Handler
var ErrProcessingFailed = errors.New("events: consumer processing failed")

// ProcessingError describes a delivery the consumer could not process
type ProcessingError struct {
	MessageID  string
	RoutingKey string
	Attempt    int
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("events: processing message %s (%s, attempt %d): %v",
		e.MessageID, e.RoutingKey, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
