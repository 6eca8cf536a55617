package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/topology"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue arguments understood by RabbitMQ
const (
	ArgMessageTTL           = "x-message-ttl"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMaxLength            = "x-max-length"
)

// Declarer is the subset of *amqp.Channel used to declare topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a topology in RabbitMQ terms
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// FromTopology translates a bus topology into RabbitMQ declarations
func FromTopology(t topology.Topology) Topology {
	out := Topology{
		Exchanges: make([]ExchangeDeclaration, 0, len(t.Exchanges)),
		Queues:    make([]QueueDeclaration, 0, len(t.Queues)),
		Bindings:  make([]Binding, 0, len(t.Bindings)),
	}

	for _, ex := range t.Exchanges {
		out.Exchanges = append(out.Exchanges, ExchangeDeclaration{
			Name:    ex.Name,
			Type:    ex.Kind,
			Durable: ex.Durable,
		})
	}

	for _, q := range t.Queues {
		out.Queues = append(out.Queues, QueueDeclaration{
			Name:      q.Name,
			Durable:   q.Durable,
			Arguments: queueArguments(q),
		})
	}

	for _, b := range t.Bindings {
		out.Bindings = append(out.Bindings, Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.Pattern,
		})
	}
	return out
}

// DeclareTopology declares exchanges, then queues, then bindings on ch.
// The first failure is returned as a *TopologyError.
func DeclareTopology(ctx context.Context, ch Declarer, t Topology) error {
	for _, exchange := range t.Exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := declareExchange(ch, exchange); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range t.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := declareQueue(ch, queue); err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range t.Bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"@"+binding.Exchange, "bind", err)
		}
	}

	return nil
}

func queueArguments(q topology.Queue) amqp.Table {
	args := amqp.Table{}
	if q.TTL > 0 {
		args[ArgMessageTTL] = int64(q.TTL / time.Millisecond)
	}
	if q.DeadLetterExchange != "" {
		args[ArgDeadLetterExchange] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args[ArgDeadLetterRoutingKey] = q.DeadLetterRoutingKey
	}
	if q.MaxLength > 0 {
		args[ArgMaxLength] = int64(q.MaxLength)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Declarer, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Declarer, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Declarer, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
