package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed channel.
	// A Receive blocked when the channel closes returns ErrClosed.
	ErrClosed = errors.New("transport: closed")

	// ErrTimeout is returned by Receive when no datagram arrived in time.
	// It is the only non-fatal Receive error; the channel stays usable.
	ErrTimeout = errors.New("transport: receive timeout")

	// ErrInvalidAddress is returned when an invalid peer address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrMessageTooLarge is returned when a datagram exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrNoEndpoint is reported when a Mux has no endpoint matching a datagram.
	ErrNoEndpoint = errors.New("transport: no endpoint matches datagram")

	// ErrAlreadyStarted is returned when Start is called on a running Mux.
	ErrAlreadyStarted = errors.New("transport: already started")
)
