package identity

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
)

// DefaultHashName is the fingerprint hash used for local certificates.
const DefaultHashName = "sha-256"

// Fingerprint computes the SHA-256 fingerprint of cert.
func Fingerprint(cert *x509.Certificate) (string, error) {
	return FingerprintWithHash(cert, crypto.SHA256)
}

// FingerprintWithHash computes cert's fingerprint with the given hash,
// in lowercase colon-separated hex.
func FingerprintWithHash(cert *x509.Certificate, hash crypto.Hash) (string, error) {
	fp, err := fingerprint.Fingerprint(cert, hash)
	if err != nil {
		return "", fmt.Errorf("identity: fingerprint: %w", err)
	}
	return strings.ToLower(fp), nil
}

// FormatSDP renders a SHA-256 fingerprint as an SDP fingerprint value.
func FormatSDP(fp string) string {
	return DefaultHashName + " " + strings.ToUpper(fp)
}

// ParseFingerprint splits an expected fingerprint into its hash and value.
// Both "sha-256 AB:CD:..." and a bare "ab:cd:..." (assumed SHA-256) are accepted.
func ParseFingerprint(s string) (crypto.Hash, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", ErrInvalidFingerprint
	}

	name, value, found := strings.Cut(s, " ")
	if !found {
		return crypto.SHA256, strings.ToLower(s), nil
	}

	hash, err := fingerprint.HashFromString(strings.ToLower(name))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}

	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, "", ErrInvalidFingerprint
	}
	return hash, value, nil
}

// VerifyFingerprint checks cert against a fingerprint exchanged out of band.
// Returns ErrFingerprintMismatch if they differ.
func VerifyFingerprint(cert *x509.Certificate, expected string) error {
	if cert == nil {
		return ErrFingerprintMismatch
	}

	hash, want, err := ParseFingerprint(expected)
	if err != nil {
		return err
	}

	got, err := FingerprintWithHash(cert, hash)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrFingerprintMismatch, got, want)
	}
	return nil
}
