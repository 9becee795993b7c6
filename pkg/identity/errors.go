package identity

import "errors"

// Identity errors.
var (
	// ErrInvalidCertificate is returned when certificate bytes cannot be parsed.
	ErrInvalidCertificate = errors.New("identity: invalid certificate")

	// ErrNoPrivateKey is returned when a certificate has no usable signing key.
	ErrNoPrivateKey = errors.New("identity: private key missing or not a signer")

	// ErrUnsupportedKey is returned for public key types other than ECDSA, RSA and Ed25519.
	ErrUnsupportedKey = errors.New("identity: unsupported key type")

	// ErrFingerprintMismatch is returned when a certificate does not match
	// the fingerprint exchanged out of band.
	ErrFingerprintMismatch = errors.New("identity: fingerprint mismatch")

	// ErrInvalidFingerprint is returned when a fingerprint string is malformed.
	ErrInvalidFingerprint = errors.New("identity: invalid fingerprint")
)
