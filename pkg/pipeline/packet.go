// Package pipeline applies SRTP protection to packets flowing through a
// media pipeline. A Stage looks up the session bound to each packet's
// endpoint and protects (egress) or unprotects (ingress) it in place.
package pipeline

import (
	"sync"
	"time"

	"github.com/backkem/dtlssrtp/pkg/transport"
)

// Packet is what a Stage needs from a pipeline packet.
type Packet interface {
	// Bytes returns the current wire contents. The stage reads but does not
	// retain the slice.
	Bytes() []byte

	// SetBytes replaces the contents with a copy of b.
	SetBytes(b []byte)

	// Endpoint identifies the transport endpoint the packet belongs to.
	Endpoint() transport.EndpointID
}

// Releaser is implemented by packets that return their memory to a pool.
// A Stage releases the packets it drops.
type Releaser interface {
	Release()
}

// bufferCapacity covers a full datagram plus the largest SRTP auth tag.
const bufferCapacity = transport.MaxDatagramSize + 64

var bufferPool = sync.Pool{
	New: func() any {
		return &Buffer{data: make([]byte, 0, bufferCapacity)}
	},
}

// Buffer is a pooled Packet carrying media metadata. The stage only touches
// the bytes; metadata passes through unchanged.
type Buffer struct {
	data     []byte
	endpoint transport.EndpointID

	// StreamID identifies the media stream within the endpoint.
	StreamID uint32

	// ArrivalTime is when the packet was received or produced.
	ArrivalTime time.Time

	// Marker is the application's frame boundary flag.
	Marker bool
}

// NewBuffer returns a pooled buffer holding a copy of data.
func NewBuffer(endpoint transport.EndpointID, data []byte) *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.endpoint = endpoint
	b.data = append(b.data[:0], data...)
	b.ArrivalTime = time.Now()
	return b
}

// Bytes returns the packet contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// SetBytes replaces the contents with a copy of p.
func (b *Buffer) SetBytes(p []byte) {
	b.data = append(b.data[:0], p...)
}

// Endpoint returns the packet's endpoint.
func (b *Buffer) Endpoint() transport.EndpointID {
	return b.endpoint
}

// Release clears the buffer and returns it to the pool. The buffer must not
// be used afterwards.
func (b *Buffer) Release() {
	if cap(b.data) > 4*bufferCapacity {
		return
	}
	*b = Buffer{data: b.data[:0]}
	bufferPool.Put(b)
}

// Verify Buffer implements Packet and Releaser.
var (
	_ Packet   = (*Buffer)(nil)
	_ Releaser = (*Buffer)(nil)
)
