// Package topology describes exchanges, queues and bindings declaratively
// and applies them to a broker.
//
// A topology is usually loaded from YAML:
//
//	version: 1.0.0
//	exchanges:
//	  - name: todo.event.exchange
//	    kind: topic
//	    durable: true
//	queues:
//	  - name: todo.created.queue
//	    durable: true
//	    ttl: 5m
//	    deadLetterExchange: dlx.exchange
//	    deadLetterRoutingKey: dlx.todo.key
//	bindings:
//	  - exchange: todo.event.exchange
//	    queue: todo.created.queue
//	    pattern: todo.created
package topology
