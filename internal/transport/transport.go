// Package transport defines the peer channel interface and provides
// implementations for production (websocket) and testing (in-memory).
package transport

import (
	"context"
	"errors"

	"github.com/Seednode/whoisit/internal/packet"
)

var (
	// ErrIdentifierTaken is returned by Listen when another live endpoint
	// already claims the identifier.
	ErrIdentifierTaken = errors.New("transport: identifier taken")

	// ErrChannelUnavailable is returned by Dial when the remote cannot be reached.
	ErrChannelUnavailable = errors.New("transport: channel unavailable")

	// ErrChannelClosed is returned by Conn operations after either end closed.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// Network creates endpoints. Instances are explicitly constructed and
// injected; nothing in this package keeps global state.
type Network interface {
	// Listen claims id (or assigns one when id is empty) and starts
	// accepting inbound channels for it.
	Listen(ctx context.Context, id string) (Listener, error)

	// Dial opens a channel from localID to remoteID.
	Dial(ctx context.Context, localID, remoteID string) (Conn, error)
}

// Listener accepts inbound channels for one claimed identifier.
type Listener interface {
	ID() string

	// Accept blocks until an inbound channel arrives, ctx ends or the
	// listener is closed (ErrChannelClosed).
	Accept(ctx context.Context) (Conn, error)

	// Close releases the identifier. Idempotent.
	Close() error
}

// Conn is a reliable, ordered, bidirectional packet pipe between two peers.
type Conn interface {
	RemoteID() string

	// Send writes one packet. Safe for concurrent use.
	Send(p packet.Packet) error

	// Receive blocks for the next packet. Malformed input is reported
	// with packet.ErrMalformed and the channel stays usable; any other
	// error means the channel is gone.
	Receive() (packet.Packet, error)

	// Close closes both directions. Idempotent.
	Close() error
}
