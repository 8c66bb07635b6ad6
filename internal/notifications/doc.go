// Package notifications pushes signer events to the operator.
//
// The default implementation publishes to the ntfy topic configured under
// [operator] and degrades to a no-op when no topic is set. Alerts adapts the
// service to the signer's host callbacks: events are queued and sent from a
// single worker so a slow ntfy server never stalls request handling.
package notifications
