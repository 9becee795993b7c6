// Package identity holds the local certificate and key used during the
// handshake, and computes and checks certificate fingerprints.
//
// No PKI validation happens here. Trust comes from comparing the peer's
// fingerprint with the one received over signaling.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// Identity is a certificate with its private key.
type Identity struct {
	certificate tls.Certificate
	leaf        *x509.Certificate
	fingerprint string
}

// Generate creates an identity with a fresh self-signed ECDSA P-256 certificate.
func Generate() (*Identity, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("identity: generate certificate: %w", err)
	}
	return New(cert)
}

// New wraps an existing certificate and key pair.
func New(cert tls.Certificate) (*Identity, error) {
	if len(cert.Certificate) == 0 {
		return nil, ErrInvalidCertificate
	}

	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
	}

	signer, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, ErrNoPrivateKey
	}
	if err := checkKey(signer.Public()); err != nil {
		return nil, err
	}

	fp, err := Fingerprint(leaf)
	if err != nil {
		return nil, err
	}

	return &Identity{
		certificate: cert,
		leaf:        leaf,
		fingerprint: fp,
	}, nil
}

// Certificate returns the parsed leaf certificate.
func (i *Identity) Certificate() *x509.Certificate {
	return i.leaf
}

// DER returns the raw leaf certificate as sent on the wire.
func (i *Identity) DER() []byte {
	return i.certificate.Certificate[0]
}

// TLSCertificate returns the underlying certificate/key pair.
func (i *Identity) TLSCertificate() tls.Certificate {
	return i.certificate
}

// Fingerprint returns the SHA-256 fingerprint of the certificate
// in lowercase colon-separated hex.
func (i *Identity) Fingerprint() string {
	return i.fingerprint
}

// SDPFingerprint returns the fingerprint in the form carried by SDP
// ("sha-256 AB:CD:...").
func (i *Identity) SDPFingerprint() string {
	return FormatSDP(i.fingerprint)
}

// ParseCertificate parses a DER certificate received from a peer.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// checkKey accepts the key types the DTLS stack can sign with.
func checkKey(pub crypto.PublicKey) error {
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey, ed25519.PublicKey:
		return nil
	default:
		return ErrUnsupportedKey
	}
}
