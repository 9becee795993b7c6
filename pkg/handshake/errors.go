package handshake

import (
	"errors"
	"fmt"

	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
)

// Handshake failure kinds. Every failed handshake returns an *Error wrapping
// one of these, transport.ErrClosed, or a context error.
var (
	// ErrHandshakeTimeout is returned when the retransmission budget is exhausted.
	ErrHandshakeTimeout = errors.New("handshake: timeout")

	// ErrVersionMismatch is returned when no protocol version is acceptable to both peers.
	ErrVersionMismatch = errors.New("handshake: version mismatch")

	// ErrProfileMismatch is returned when the peers share no SRTP protection profile.
	ErrProfileMismatch = errors.New("handshake: no common protection profile")

	// ErrMalformedMessage is returned for an unparseable or unexpected flight,
	// and for any other fatal alert.
	ErrMalformedMessage = errors.New("handshake: malformed message")

	// ErrIdentityRejected is returned when the peer's certificate, signature,
	// fingerprint or Finished message does not check out, or when a required
	// certificate is missing.
	ErrIdentityRejected = errors.New("handshake: peer identity rejected")

	// ErrCancelled is returned when Cancel stops a running handshake.
	ErrCancelled = errors.New("handshake: cancelled")
)

// Usage errors, returned before any datagram is sent.
var (
	// ErrDriverUsed is returned by a second Handshake call on the same driver.
	ErrDriverUsed = errors.New("handshake: driver already used")

	// ErrInvalidConfig is returned for an unusable Config.
	ErrInvalidConfig = errors.New("handshake: invalid config")
)

// Error describes a failed handshake: which side failed, the last flight
// seen on the wire, and why.
type Error struct {
	Role   session.Role
	Flight uint8
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake: %s flight %d: %v", e.Role, e.Flight, e.Err)
}

// Unwrap returns the underlying failure kind.
func (e *Error) Unwrap() error {
	return e.Err
}

// errorFor maps a fatal alert, sent or received, to the failure kind.
func errorFor(d alert.Description) error {
	switch d {
	case alert.ProtocolVersion:
		return ErrVersionMismatch
	case alert.InsufficientSecurity:
		return ErrProfileMismatch
	case alert.HandshakeFailure,
		alert.NoCertificate,
		alert.BadCertificate,
		alert.UnsupportedCertificate,
		alert.CertificateRevoked,
		alert.CertificateExpired,
		alert.CertificateUnknown,
		alert.UnknownCA,
		alert.AccessDenied,
		alert.DecryptError:
		return ErrIdentityRejected
	default:
		return ErrMalformedMessage
	}
}

// alertError is a handshake failure signalled by a fatal alert.
type alertError struct {
	description alert.Description
	fromPeer    bool
}

func (e *alertError) Error() string {
	dir := "sent"
	if e.fromPeer {
		dir = "received"
	}
	return fmt.Sprintf("%v (%s alert %v)", errorFor(e.description), dir, e.description)
}

func (e *alertError) Unwrap() error {
	return errorFor(e.description)
}
