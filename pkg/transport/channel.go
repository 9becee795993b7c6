// Package transport provides the datagram channels the handshake and the
// media path run over.
//
// A Channel is duplex, unreliable and packet oriented: Send may silently
// drop, Receive returns whole datagrams or ErrTimeout. UDPChannel is the
// production implementation, Pipe the in-memory one used by tests, and Mux
// splits one channel into several by inspecting the first byte of each
// datagram.
package transport

import (
	"context"
	"net"
	"time"
)

// MaxDatagramSize is the largest datagram a channel sends or receives.
const MaxDatagramSize = 1500

// Channel is a duplex, unreliable, packet-oriented transport.
type Channel interface {
	// Send hands one datagram to the peer. It does not block and may drop
	// the datagram silently. The caller keeps ownership of b.
	// Returns ErrClosed once the channel is closed.
	Send(b []byte) error

	// Receive waits up to timeout for one datagram and copies it into b.
	// Datagrams longer than b are truncated. Returns ErrTimeout when nothing
	// arrived in time, ErrClosed when the channel is closed, or ctx.Err().
	Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error)

	// Close closes the channel. It is idempotent and unblocks pending receives.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}
