// Package rabbitmq mirrors a bus topology onto a RabbitMQ broker.
//
// The in-process broker is authoritative; this package declares the same
// exchanges, queues and bindings on RabbitMQ so that services talking AMQP
// see an identical layout. Queue TTL and dead-lettering are expressed with
// the usual x-message-ttl and x-dead-letter-* arguments.
package rabbitmq
