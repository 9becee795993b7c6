// Package session holds established SRTP sessions and the registry that maps
// transport endpoints to them.
//
// A Session is produced by a completed handshake. It owns the SRTP contexts
// for both directions and a replay window per SSRC, and exposes Protect and
// Unprotect for whole RTP packets. The Registry tracks, per endpoint, either
// the handshake in progress or the session it produced.
package session

// Role identifies which side of the handshake the local endpoint played.
// It selects which half of the exported keying material protects outgoing
// packets.
type Role int

const (
	// RoleUnknown indicates an uninitialized or invalid role.
	RoleUnknown Role = iota

	// RoleInitiator sends the first flight. Initiators protect with the
	// client write key and unprotect with the server write key.
	RoleInitiator

	// RoleResponder answers the first flight.
	RoleResponder
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the role is a defined value.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// State is the registry state of an endpoint.
type State int

const (
	// StateNone means the registry holds nothing for the endpoint.
	StateNone State = iota

	// StateHandshaking means a handshake is in progress.
	StateHandshaking

	// StateEstablished means a session is bound.
	StateEstablished
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}
