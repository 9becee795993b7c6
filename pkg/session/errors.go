package session

import "errors"

// Session errors.
var (
	// ErrInvalidRole is returned when the session role is not Initiator or Responder.
	ErrInvalidRole = errors.New("session: invalid session role")

	// ErrUnsupportedProfile is returned for a protection profile this package cannot build.
	ErrUnsupportedProfile = errors.New("session: unsupported protection profile")

	// ErrInvalidKeyingMaterial is returned when keying material has the wrong length for the profile.
	ErrInvalidKeyingMaterial = errors.New("session: invalid keying material length")

	// ErrPacketMalformed is returned when a packet is too short or its RTP header is invalid.
	ErrPacketMalformed = errors.New("session: malformed packet")

	// ErrReplayDetected is returned when a packet's sequence number was already
	// accepted or lies behind the replay window.
	ErrReplayDetected = errors.New("session: replay detected")

	// ErrAuthenticationFailed is returned when a packet fails authentication or decryption.
	ErrAuthenticationFailed = errors.New("session: authentication failed")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session: session closed")

	// ErrNoPeerCertificate is returned when a fingerprint check has no certificate to check.
	ErrNoPeerCertificate = errors.New("session: no peer certificate")
)

// Registry errors.
var (
	// ErrHandshakeInProgress is returned when a handshake is already running for an endpoint.
	ErrHandshakeInProgress = errors.New("session: handshake already in progress")

	// ErrSessionExists is returned when a session is already bound to an endpoint.
	ErrSessionExists = errors.New("session: session already established")

	// ErrNotPending is returned when completing or aborting a handshake the
	// registry does not hold as pending.
	ErrNotPending = errors.New("session: handshake not pending")

	// ErrSessionNotFound is returned when a lookup finds no session.
	ErrSessionNotFound = errors.New("session: session not found")

	// ErrRegistryFull is returned when no more endpoints can be tracked.
	ErrRegistryFull = errors.New("session: registry full")

	// ErrRemoved is reported to OnFailed when Remove cancels a pending handshake.
	ErrRemoved = errors.New("session: endpoint removed")

	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = errors.New("session: registry closed")

	// ErrInvalidEndpoint is returned for a zero endpoint identity.
	ErrInvalidEndpoint = errors.New("session: invalid endpoint")
)
