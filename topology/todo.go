package topology

import (
	"time"

	"github.com/glimte/mmate-bus/routing"
)

// Names used by the todo services
const (
	TodoEventExchange    = "todo.event.exchange"
	NotificationExchange = "notification.exchange"
	BroadcastExchange    = "broadcast.exchange"
	DeadLetterExchange   = "dlx.exchange"

	TodoCreatedQueue      = "todo.created.queue"
	TodoUpdatedQueue      = "todo.updated.queue"
	NotificationQueue     = "notification.queue"
	DeadLetterQueue       = "dlx.todo.queue"
	UserNotificationQueue = "user.notification.queue"

	DeadLetterRoutingKey = "dlx.todo.key"
	NotificationKey      = "notification.key"
)

// TodoCreatedTTL is how long a created event waits in its queue
const TodoCreatedTTL = 300000 * time.Millisecond

// TodoTopology returns the topology shared by the todo and user services.
// broadcast.exchange is declared without bindings; queues attach to it at
// runtime.
func TodoTopology() Topology {
	return Topology{
		Version: CurrentVersion,
		Exchanges: []Exchange{
			{Name: TodoEventExchange, Kind: string(routing.KindTopic), Durable: true},
			{Name: NotificationExchange, Kind: string(routing.KindDirect), Durable: true},
			{Name: BroadcastExchange, Kind: string(routing.KindFanout), Durable: true},
			{Name: DeadLetterExchange, Kind: string(routing.KindDirect), Durable: true},
		},
		Queues: []Queue{
			{
				Name:                 TodoCreatedQueue,
				Durable:              true,
				TTL:                  TodoCreatedTTL,
				DeadLetterExchange:   DeadLetterExchange,
				DeadLetterRoutingKey: DeadLetterRoutingKey,
			},
			{
				Name:                 TodoUpdatedQueue,
				Durable:              true,
				DeadLetterExchange:   DeadLetterExchange,
				DeadLetterRoutingKey: DeadLetterRoutingKey,
			},
			{Name: NotificationQueue, Durable: true},
			{Name: DeadLetterQueue, Durable: true},
			{Name: UserNotificationQueue, Durable: true},
		},
		Bindings: []Binding{
			{Exchange: TodoEventExchange, Queue: TodoCreatedQueue, Pattern: "todo.created"},
			{Exchange: TodoEventExchange, Queue: TodoUpdatedQueue, Pattern: "todo.updated"},
			{Exchange: NotificationExchange, Queue: NotificationQueue, Pattern: NotificationKey},
			{Exchange: DeadLetterExchange, Queue: DeadLetterQueue, Pattern: DeadLetterRoutingKey},
			{Exchange: TodoEventExchange, Queue: UserNotificationQueue, Pattern: "todo.*"},
		},
	}
}
