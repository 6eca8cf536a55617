package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// EventType classifies a TodoEvent
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventToggled EventType = "toggled"
)

// ContentTypeJSON is the content type of encoded events
const ContentTypeJSON = "application/json"

// ParseEventType returns the EventType named s
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventCreated, EventUpdated, EventDeleted, EventToggled:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// RoutingKey returns the routing key events of this type are published with
func (t EventType) RoutingKey() string {
	return "todo." + string(t)
}

func (t EventType) String() string {
	return string(t)
}

// TodoEvent is published on every todo change. The event type is assigned
// once, normally by the producer, and cannot change afterwards.
type TodoEvent struct {
	TodoID      *int64
	Title       string
	Description string
	UserID      *int64
	Timestamp   time.Time

	eventType EventType
}

// NewTodoEvent creates an event stamped with the current time
func NewTodoEvent(todoID, userID int64, title, description string) *TodoEvent {
	return &TodoEvent{
		TodoID:      &todoID,
		Title:       title,
		Description: description,
		UserID:      &userID,
		Timestamp:   time.Now(),
	}
}

// EventType returns the assigned type, or "" when unset
func (e *TodoEvent) EventType() EventType {
	return e.eventType
}

// SetEventType assigns the event type. Assigning the type already set is a
// no-op; assigning a different one fails with ErrEventTypeAlreadySet.
func (e *TodoEvent) SetEventType(t EventType) error {
	if _, err := ParseEventType(string(t)); err != nil {
		return err
	}
	if e.eventType != "" && e.eventType != t {
		return fmt.Errorf("%w: %s, cannot change to %s", ErrEventTypeAlreadySet, e.eventType, t)
	}
	e.eventType = t
	return nil
}

func (e *TodoEvent) String() string {
	return fmt.Sprintf("TodoEvent{todoId=%s, title=%q, userId=%s, eventType=%s, timestamp=%s}",
		formatID(e.TodoID), e.Title, formatID(e.UserID), e.eventType, e.Timestamp.Format(time.RFC3339))
}

type todoEventJSON struct {
	TodoID      *int64  `json:"todoId"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	UserID      *int64  `json:"userId"`
	EventType   string  `json:"eventType"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the event in its wire shape
func (e TodoEvent) MarshalJSON() ([]byte, error) {
	if e.eventType == "" {
		return nil, ErrMissingEventType
	}

	out := todoEventJSON{
		TodoID:    e.TodoID,
		Title:     e.Title,
		UserID:    e.UserID,
		EventType: string(e.eventType),
	}
	if e.Description != "" {
		out.Description = &e.Description
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire shape. Unknown fields are rejected and the
// event type must be one of the known types.
func (e *TodoEvent) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in todoEventJSON
	if err := dec.Decode(&in); err != nil {
		return malformed("", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return malformed("", errors.New("trailing data after object"))
	}

	if in.EventType == "" {
		return malformed("eventType", errors.New("missing"))
	}
	eventType, err := ParseEventType(in.EventType)
	if err != nil {
		return &DecodeError{Field: "eventType", Err: err}
	}

	var ts time.Time
	if in.Timestamp != "" {
		if ts, err = parseTimestamp(in.Timestamp); err != nil {
			return malformed("timestamp", err)
		}
	}

	*e = TodoEvent{
		TodoID:    in.TodoID,
		Title:     in.Title,
		UserID:    in.UserID,
		Timestamp: ts,
		eventType: eventType,
	}
	if in.Description != nil {
		e.Description = *in.Description
	}
	return nil
}

// Encode returns the JSON encoding of the event
func (e *TodoEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeTodoEvent decodes a payload strictly. Every failure wraps
// ErrMalformedPayload or ErrUnknownEventType.
func DecodeTodoEvent(data []byte) (*TodoEvent, error) {
	var e TodoEvent
	if err := json.Unmarshal(data, &e); err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return nil, err
		}
		return nil, malformed("", err)
	}
	return &e, nil
}

// timestampLayouts are tried in order; the zone-less layout is what
// services serializing local date-times send
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func formatID(id *int64) string {
	if id == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *id)
}
