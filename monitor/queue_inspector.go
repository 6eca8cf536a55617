package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/broker"
)

// StatsSource provides queue statistics. *broker.Broker implements it.
type StatsSource interface {
	Stats() []broker.QueueStats
	QueueStats(name string) (broker.QueueStats, bool)
}

// QueueHealth is the assessed health of one queue
type QueueHealth struct {
	QueueName string `json:"queue_name"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Ready     int    `json:"ready"`
	Unacked   int    `json:"unacked"`
	Consumers int    `json:"consumers"`
}

// QueueInspector assesses queue health from broker statistics
type QueueInspector struct {
	source           StatsSource
	elevatedBacklog  int
	highBacklog      int
	deadLetterQueues map[string]bool
}

// InspectorOption configures the QueueInspector
type InspectorOption func(*QueueInspector)

// WithBacklogThresholds sets the ready counts at which a queue is degraded
func WithBacklogThresholds(elevated, high int) InspectorOption {
	return func(qi *QueueInspector) {
		qi.elevatedBacklog = elevated
		qi.highBacklog = high
	}
}

// WithDeadLetterQueues marks queues that are expected to have no consumer
func WithDeadLetterQueues(names ...string) InspectorOption {
	return func(qi *QueueInspector) {
		for _, name := range names {
			qi.deadLetterQueues[name] = true
		}
	}
}

// NewQueueInspector creates an inspector over source
func NewQueueInspector(source StatsSource, options ...InspectorOption) *QueueInspector {
	qi := &QueueInspector{
		source:           source,
		elevatedBacklog:  1000,
		highBacklog:      10000,
		deadLetterQueues: make(map[string]bool),
	}

	for _, opt := range options {
		opt(qi)
	}

	return qi
}

// QueueHealth assesses one queue
func (qi *QueueInspector) QueueHealth(name string) (QueueHealth, error) {
	stats, ok := qi.source.QueueStats(name)
	if !ok {
		return QueueHealth{QueueName: name, Status: StatusUnhealthy, Message: "queue not declared"},
			fmt.Errorf("queue %s: %w", name, broker.ErrUnknownQueue)
	}
	return qi.assess(stats), nil
}

// AllQueues assesses every queue
func (qi *QueueInspector) AllQueues() []QueueHealth {
	all := qi.source.Stats()
	out := make([]QueueHealth, 0, len(all))
	for _, stats := range all {
		out = append(out, qi.assess(stats))
	}
	return out
}

func (qi *QueueInspector) assess(stats broker.QueueStats) QueueHealth {
	health := QueueHealth{
		QueueName: stats.Name,
		Ready:     stats.Ready,
		Unacked:   stats.Unacked,
		Consumers: stats.Consumers,
	}

	switch {
	case stats.Closed:
		health.Status = StatusUnhealthy
		health.Message = "Queue is closed"
	case stats.Ready > qi.highBacklog:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("High message count: %d messages", stats.Ready)
	case stats.Ready > qi.elevatedBacklog:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("Elevated message count: %d messages", stats.Ready)
	case stats.Consumers == 0 && stats.Ready > 0 && !qi.deadLetterQueues[stats.Name]:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("No consumers for %d messages", stats.Ready)
	default:
		health.Status = StatusHealthy
		health.Message = "Queue is healthy"
	}
	return health
}

// Name implements Checker
func (qi *QueueInspector) Name() string {
	return "queues"
}

// Check implements Checker by folding every queue's health into one result
func (qi *QueueInspector) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "All queues healthy",
		Details: make(map[string]any),
	}

	for _, health := range qi.AllQueues() {
		if health.Status != StatusHealthy {
			result.Details[health.QueueName] = health.Message
			result.Status = worse(result.Status, health.Status)
		}
	}
	if result.Status != StatusHealthy {
		result.Message = fmt.Sprintf("%d queue(s) need attention", len(result.Details))
	}

	result.Duration = time.Since(start)
	result.Timestamp = time.Now()
	return result
}
