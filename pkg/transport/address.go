package transport

import (
	"fmt"
	"net"
)

// EndpointID identifies one transport endpoint (a local/remote address pair
// or a logical peer id). It is comparable and used as the session registry key.
type EndpointID struct {
	// Network is the transport network ("udp", "pipe", or "peer" for logical ids).
	Network string
	// Local is the local address string.
	Local string
	// Remote is the remote address string, or the logical peer id.
	Remote string
}

// String returns a human-readable representation of the endpoint.
func (e EndpointID) String() string {
	if e.Local == "" {
		return fmt.Sprintf("%s:%s", e.Network, e.Remote)
	}
	return fmt.Sprintf("%s:%s->%s", e.Network, e.Local, e.Remote)
}

// IsValid returns true if the endpoint has a network and a remote identity.
func (e EndpointID) IsValid() bool {
	return e.Network != "" && e.Remote != ""
}

// NewEndpointID builds an EndpointID from a local and a remote address.
// A nil local address is allowed.
func NewEndpointID(local, remote net.Addr) EndpointID {
	if remote == nil {
		return EndpointID{}
	}
	id := EndpointID{
		Network: remote.Network(),
		Remote:  remote.String(),
	}
	if local != nil {
		id.Local = local.String()
	}
	return id
}

// PeerEndpoint returns a logical EndpointID for a peer known only by name,
// such as a signaling-level participant id.
func PeerEndpoint(peerID string) EndpointID {
	return EndpointID{Network: "peer", Remote: peerID}
}

// ChannelEndpoint returns the EndpointID of a channel's address pair.
func ChannelEndpoint(ch Channel) EndpointID {
	return NewEndpointID(ch.LocalAddr(), ch.RemoteAddr())
}

// UDPAddrFromString resolves a "host:port" string into a UDP address.
func UDPAddrFromString(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	return net.ResolveUDPAddr("udp", addr)
}
