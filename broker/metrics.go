package broker

import "time"

// MetricsCollector receives broker events
type MetricsCollector interface {
	// RecordPublish records a completed publish
	RecordPublish(exchange string, routed bool, targets int, duration time.Duration)

	// RecordPublishFailure records a publish that returned an error
	RecordPublishFailure(exchange string, reason string)

	// RecordDelivery records an envelope handed to a consumer
	RecordDelivery(queue string, attempt int)

	// RecordAck records a positive acknowledgement
	RecordAck(queue string)

	// RecordNack records a negative acknowledgement
	RecordNack(queue string, requeue bool)

	// RecordDeadLetter records a dead-lettered envelope. rerouted is false
	// when the envelope was dropped.
	RecordDeadLetter(queue string, reason DeadLetterReason, rerouted bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(exchange string, routed bool, targets int, duration time.Duration) {
}

// RecordPublishFailure does nothing
func (NoOpMetricsCollector) RecordPublishFailure(exchange string, reason string) {}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(queue string, attempt int) {}

// RecordAck does nothing
func (NoOpMetricsCollector) RecordAck(queue string) {}

// RecordNack does nothing
func (NoOpMetricsCollector) RecordNack(queue string, requeue bool) {}

// RecordDeadLetter does nothing
func (NoOpMetricsCollector) RecordDeadLetter(queue string, reason DeadLetterReason, rerouted bool) {
}
