// Package notifier turns engine and trigger failures into short operator
// alerts.
//
// The service subscribes to the event bus, formats the events it cares about
// and pushes the text through a bounded queue to a single worker. Delivery is
// rate limited, retried with backoff and deduplicated inside a short window.
// Enqueueing never blocks: a full queue drops the alert and counts it.
//
// # Transport
//
// Delivery goes through the Sender interface. TelegramSender is the
// production implementation; tests supply their own.
package notifier
