package events

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
)

// LoggingHandler records the user-facing side effect of each todo event
// without performing it
type LoggingHandler struct {
	logger *slog.Logger
}

// NewLoggingHandler creates a LoggingHandler. A nil logger uses slog.Default.
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

// HandleTodoEvent implements Handler
func (h *LoggingHandler) HandleTodoEvent(ctx context.Context, routingKey string, event *contracts.TodoEvent) error {
	logger := h.logger.With(
		"routingKey", routingKey,
		"todoId", idValue(event.TodoID),
		"userId", idValue(event.UserID),
		"eventType", event.EventType(),
	)

	switch event.EventType() {
	case contracts.EventCreated:
		logger.InfoContext(ctx, "Notify user of new todo", "title", event.Title)
	case contracts.EventUpdated:
		logger.InfoContext(ctx, "Record user activity")
	case contracts.EventDeleted:
		logger.InfoContext(ctx, "Clean up user resources")
	case contracts.EventToggled:
		logger.InfoContext(ctx, "Update user statistics")
	default:
		logger.WarnContext(ctx, "Unhandled todo event")
	}
	return nil
}

func idValue(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
