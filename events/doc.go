// Package events publishes and consumes TodoEvents over the broker.
//
// TodoEventProducer stamps the event type and publishes on the todo event
// exchange with routing key "todo.<type>". TodoEventConsumer decodes each
// delivery, hands it to a Handler and settles the delivery from the result.
package events
