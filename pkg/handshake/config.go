package handshake

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/backkem/dtlssrtp/pkg/identity"
	"github.com/backkem/dtlssrtp/pkg/session"
	"github.com/pion/dtls/v3"
	hs "github.com/pion/dtls/v3/pkg/protocol/handshake"
	"github.com/pion/logging"
)

// Role aliases session.Role so callers configure a driver without importing session.
type Role = session.Role

// Handshake roles.
const (
	RoleInitiator = session.RoleInitiator
	RoleResponder = session.RoleResponder
)

// Config configures a Driver.
type Config struct {
	// Role selects which flights the driver sends. Required.
	Role Role

	// Identity is the local certificate and key. Required for the responder;
	// required for the initiator when the responder demands a client certificate.
	Identity *identity.Identity

	// Profiles lists the acceptable SRTP protection profiles in preference
	// order. The initiator's order decides the outcome.
	// Default: session.DefaultProfiles
	Profiles []session.Profile

	// MinVersion and MaxVersion bound the acceptable protocol versions.
	// Handshakes complete with DTLS 1.2 only; a range without it announces
	// MaxVersion, which the peer refuses, so both sides fail with
	// ErrVersionMismatch.
	// Default: DefaultVersion for both
	MinVersion ProtocolVersion
	MaxVersion ProtocolVersion

	// RequireClientCertificate makes the responder reject initiators that do
	// not authenticate with a certificate. A responder with a
	// RemoteFingerprint requires one as well.
	RequireClientCertificate bool

	// RemoteFingerprint, if set, is the peer certificate fingerprint learned
	// out of band (bare or SDP form). A mismatch fails the handshake.
	RemoteFingerprint string

	// VerifyPeer, if set, is called with the peer certificate and its
	// SHA-256 fingerprint whenever the peer presents one. A non-nil error
	// fails the handshake.
	VerifyPeer func(cert *x509.Certificate, fingerprint string) error

	// Retransmit controls retransmission timing and the overall deadline.
	Retransmit RetransmitPolicy

	// FinalFlightLinger is how long a responder keeps answering retransmitted
	// flight 5s after completing, in case its flight 6 was lost. Negative
	// disables lingering. While it lingers the driver reads from the
	// channel, so media sharing the socket should arrive through a
	// transport.Mux. Driver.Cancel ends the linger.
	// Default: Retransmit.FlightBudget()
	FinalFlightLinger time.Duration

	// ReplayWindow is passed to the resulting session.
	// Default: session.DefaultReplayWindow
	ReplayWindow uint

	// LoggerFactory is the factory for creating loggers. It is handed to
	// the DTLS stack as well.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// configure, if set, adjusts the DTLS configuration last. Tests use it
	// to misbehave on the wire.
	configure func(*dtls.Config)
}

// withDefaults validates the config and fills in defaults.
func (c Config) withDefaults() (Config, error) {
	if !c.Role.IsValid() {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfig, session.ErrInvalidRole)
	}
	if c.Role == RoleResponder && c.Identity == nil {
		return c, fmt.Errorf("%w: responder requires an identity", ErrInvalidConfig)
	}

	if len(c.Profiles) == 0 {
		c.Profiles = session.DefaultProfiles
	}
	for _, p := range c.Profiles {
		if !p.IsValid() {
			return c, fmt.Errorf("%w: %v", ErrInvalidConfig, session.ErrUnsupportedProfile)
		}
	}

	if c.MinVersion == 0 {
		c.MinVersion = DefaultVersion
	}
	if c.MaxVersion == 0 {
		c.MaxVersion = DefaultVersion
	}
	if c.MinVersion.NewerThan(c.MaxVersion) {
		return c, fmt.Errorf("%w: MinVersion %s is newer than MaxVersion %s", ErrInvalidConfig, c.MinVersion, c.MaxVersion)
	}

	c.Retransmit = c.Retransmit.withDefaults()
	if c.FinalFlightLinger == 0 {
		c.FinalFlightLinger = c.Retransmit.FlightBudget()
	}
	return c, nil
}

// dtlsConfig translates the config for the DTLS stack. Certificates are
// never checked against a PKI: trust comes from RemoteFingerprint and
// VerifyPeer only.
func (c Config) dtlsConfig(lf logging.LoggerFactory) *dtls.Config {
	profiles := make([]dtls.SRTPProtectionProfile, len(c.Profiles))
	for i, p := range c.Profiles {
		profiles[i] = dtls.SRTPProtectionProfile(p)
	}

	cfg := &dtls.Config{
		SRTPProtectionProfiles:   profiles,
		ExtendedMasterSecret:     dtls.RequireExtendedMasterSecret,
		InsecureSkipVerify:       true,
		VerifyPeerCertificate:    c.verifyPeerCertificate,
		FlightInterval:           c.Retransmit.InitialInterval,
		DisableRetransmitBackoff: c.Retransmit.Backoff == BackoffFixed,
		LoggerFactory:            lf,
	}
	if c.Identity != nil {
		cfg.Certificates = []tls.Certificate{c.Identity.TLSCertificate()}
	}

	if c.Role == RoleResponder {
		cfg.ClientAuth = dtls.RequestClientCert
		if c.RequireClientCertificate || c.RemoteFingerprint != "" {
			cfg.ClientAuth = dtls.RequireAnyClientCert
		}
	}

	if v, ok := helloVersion(c.MinVersion, c.MaxVersion); !ok {
		wire := v.wire()
		if c.Role == RoleInitiator {
			cfg.ClientHelloMessageHook = func(m hs.MessageClientHello) hs.Message {
				m.Version = wire
				return &m
			}
		} else {
			cfg.ServerHelloMessageHook = func(m hs.MessageServerHello) hs.Message {
				m.Version = wire
				return &m
			}
		}
	}

	if c.configure != nil {
		c.configure(cfg)
	}
	return cfg
}

// verifyPeerCertificate runs checkPeer on the certificate the peer presented.
func (c Config) verifyPeerCertificate(raw [][]byte, _ [][]*x509.Certificate) error {
	if len(raw) == 0 {
		if c.RemoteFingerprint != "" {
			return fmt.Errorf("%w: no certificate", ErrIdentityRejected)
		}
		return nil
	}
	cert, err := identity.ParseCertificate(raw[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityRejected, err)
	}
	return c.checkPeer(cert)
}

// checkPeer applies the configured out-of-band checks to the peer certificate.
func (c Config) checkPeer(cert *x509.Certificate) error {
	if c.RemoteFingerprint != "" {
		if err := identity.VerifyFingerprint(cert, c.RemoteFingerprint); err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityRejected, err)
		}
	}
	if c.VerifyPeer != nil {
		fp, err := identity.Fingerprint(cert)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityRejected, err)
		}
		if err := c.VerifyPeer(cert, fp); err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityRejected, err)
		}
	}
	return nil
}
