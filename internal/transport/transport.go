// Package transport carries serialized message frames between replicas. The
// pre-processor depends only on the Communication interface; NATS is the
// production implementation and the loopback transport serves tests.
package transport

import (
	"context"

	"github.com/hshomroni/concord-bft/internal/messages"
)

// Communication is the peer messaging capability handed to the replica
// subsystems.
type Communication interface {
	// Send delivers a frame to a specific replica.
	Send(ctx context.Context, target messages.ReplicaID, msg *messages.RawMessage) error

	// Broadcast delivers a frame to every other replica.
	Broadcast(ctx context.Context, msg *messages.RawMessage) error

	// Receive returns the channel of incoming frames.
	Receive() <-chan *messages.RawMessage

	// Start starts the transport layer.
	Start() error

	// Stop stops the transport layer.
	Stop() error
}
