// Package webhooks notifies merchants about billing events.
//
// The Emitter renders an event, signs the exact body bytes with the account
// secret and enqueues a delivery. The DeliveryConsumer POSTs queued
// deliveries and retries failures with exponential backoff until the queue
// moves them to the dead letter topic.
package webhooks
