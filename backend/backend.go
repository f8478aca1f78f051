// Package backend defines the transports events are published through.
package backend

import (
	"context"
)

// Backend is the interface that wraps the basic Publish method.
//
// Backend implementations are responsible for delivering event payloads
// through some broadcast channel (eg. Redis pub/sub, HTTP, Kafka).
type Backend interface {
	// Start() initializes the backend. Start() must be called once, before
	// any calls to Publish.
	Start(context.Context, map[string]interface{}) error

	// Publish() delivers payload to channel. Depending on the underlying
	// implementation, Publish might be an asynchronous operation so a nil
	// error does NOT necessarily mean the event was delivered.
	//
	// Backends that have their own notion of a destination (a webhook URL,
	// a queue URL) may ignore channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// ID returns a constant string used as an identifier for the
	// concrete backend implementation.
	ID() string

	// Stop() performs finalization actions. After calling Stop() the
	// backend is no longer usable.
	Stop() error
}
