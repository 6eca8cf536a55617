// Package routing decides which queues receive a published message.
//
// It holds the exchange declarations, the binding table that links
// exchanges to queues through routing-key patterns, and the topic matcher
// used by topic exchanges. Routing keys and patterns are dot separated
// segments; in a pattern "*" matches exactly one segment and "#" matches
// zero or more segments.
//
//	routing.Matches("todo.*", "todo.created")        // true
//	routing.Matches("todo.*", "todo.created.extra")  // false
//	routing.Matches("todo.#", "todo")                // true
package routing
