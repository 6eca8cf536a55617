// Package contracts defines the payloads that travel through the bus.
//
// TodoEvent is the event published whenever a todo changes:
//   - created: a todo was added
//   - updated: title or description changed
//   - deleted: a todo was removed
//   - toggled: the completion state flipped
//
// The JSON shape is shared with the services on the other side of the
// exchange, so field names and null handling must not change.
package contracts
