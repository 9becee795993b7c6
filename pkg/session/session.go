package session

import (
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/dtlssrtp/pkg/identity"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// Config holds everything a completed handshake hands to a session.
type Config struct {
	// Role is the local handshake role. Required.
	Role Role

	// Profile is the negotiated protection profile. Required.
	Profile Profile

	// KeyingMaterial is the exported DTLS-SRTP block laid out as
	// client key, server key, client salt, server salt (RFC 5764 Section 4.2).
	// Its length must equal Profile.KeyingMaterialLen. The session keeps a copy.
	KeyingMaterial []byte

	// Version is the negotiated protocol version in wire form.
	Version uint16

	// PeerCertificate is the certificate the peer authenticated with, if any.
	PeerCertificate *x509.Certificate

	// LocalFingerprint is the fingerprint of the local certificate, if any.
	LocalFingerprint string

	// ReplayWindow is the per-SSRC replay window size in packets.
	// Default: DefaultReplayWindow (64)
	ReplayWindow uint
}

// Session is an established SRTP session. Attributes are fixed at
// construction. Protect and Unprotect are each serialised by their own lock,
// so one egress and one ingress caller may run concurrently.
type Session struct {
	role             Role
	profile          Profile
	version          uint16
	material         []byte
	localKey         []byte
	localSalt        []byte
	remoteKey        []byte
	remoteSalt       []byte
	tagLen           int
	peerCert         *x509.Certificate
	peerFingerprint  string
	localFingerprint string
	createdAt        time.Time

	protectMu sync.Mutex
	local     *srtp.Context

	unprotectMu sync.Mutex
	remote      *srtp.Context
	replay      *replayWindows

	closed atomic.Bool
}

// New builds a session from handshake output. The session is either fully
// usable or not returned at all.
func New(config Config) (*Session, error) {
	if !config.Role.IsValid() {
		return nil, ErrInvalidRole
	}
	keyLen, err := config.Profile.KeyLen()
	if err != nil {
		return nil, err
	}
	saltLen, err := config.Profile.SaltLen()
	if err != nil {
		return nil, err
	}
	if len(config.KeyingMaterial) != 2*(keyLen+saltLen) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %s",
			ErrInvalidKeyingMaterial, len(config.KeyingMaterial), 2*(keyLen+saltLen), config.Profile)
	}

	material := make([]byte, len(config.KeyingMaterial))
	copy(material, config.KeyingMaterial)

	clientKey := material[:keyLen]
	serverKey := material[keyLen : 2*keyLen]
	clientSalt := material[2*keyLen : 2*keyLen+saltLen]
	serverSalt := material[2*keyLen+saltLen:]

	s := &Session{
		role:             config.Role,
		profile:          config.Profile,
		version:          config.Version,
		material:         material,
		tagLen:           config.Profile.tagLen(),
		peerCert:         config.PeerCertificate,
		localFingerprint: config.LocalFingerprint,
		createdAt:        time.Now(),
		replay:           newReplayWindows(config.ReplayWindow),
	}

	if config.Role == RoleInitiator {
		s.localKey, s.localSalt = clientKey, clientSalt
		s.remoteKey, s.remoteSalt = serverKey, serverSalt
	} else {
		s.localKey, s.localSalt = serverKey, serverSalt
		s.remoteKey, s.remoteSalt = clientKey, clientSalt
	}

	if s.peerCert != nil {
		fp, err := identity.Fingerprint(s.peerCert)
		if err != nil {
			return nil, err
		}
		s.peerFingerprint = fp
	}

	profile := srtp.ProtectionProfile(config.Profile)

	// Replay protection is done here per SSRC so it can be checked before
	// decryption and committed only after authentication.
	s.local, err = srtp.CreateContext(s.localKey, s.localSalt, profile,
		srtp.SRTPNoReplayProtection())
	if err != nil {
		return nil, fmt.Errorf("session: create local context: %w", err)
	}
	s.remote, err = srtp.CreateContext(s.remoteKey, s.remoteSalt, profile,
		srtp.SRTPNoReplayProtection())
	if err != nil {
		return nil, fmt.Errorf("session: create remote context: %w", err)
	}

	return s, nil
}

// Protect encrypts and authenticates one RTP packet, writing the result into
// dst (reused when large enough) and returning it. packet is not modified;
// dst must not overlap packet.
func (s *Session) Protect(dst, packet []byte) ([]byte, error) {
	var header rtp.Header
	if _, err := header.Unmarshal(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketMalformed, err)
	}

	s.protectMu.Lock()
	defer s.protectMu.Unlock()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	out, err := s.local.EncryptRTP(dst, packet, &header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketMalformed, err)
	}
	return out, nil
}

// Unprotect authenticates and decrypts one SRTP packet, writing the RTP
// packet into dst (reused when large enough) and returning it.
// Failures are per packet; the session stays usable.
func (s *Session) Unprotect(dst, packet []byte) ([]byte, error) {
	var header rtp.Header
	n, err := header.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacketMalformed, err)
	}
	if len(packet) < n+s.tagLen {
		return nil, fmt.Errorf("%w: %d bytes leave no room for the auth tag", ErrPacketMalformed, len(packet))
	}

	s.unprotectMu.Lock()
	defer s.unprotectMu.Unlock()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	accept, ok := s.replay.check(header.SSRC, header.SequenceNumber)
	if !ok {
		return nil, ErrReplayDetected
	}

	out, err := s.remote.DecryptRTP(dst, packet, &header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	accept()
	return out, nil
}

// Close zeroizes the key material. Subsequent Protect and Unprotect calls
// return ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.protectMu.Lock()
	s.local = nil
	s.protectMu.Unlock()

	s.unprotectMu.Lock()
	s.remote = nil
	s.replay.reset()
	s.unprotectMu.Unlock()

	for i := range s.material {
		s.material[i] = 0
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// VerifyPeerFingerprint checks the peer certificate against an out-of-band
// fingerprint, in bare or SDP form.
func (s *Session) VerifyPeerFingerprint(expected string) error {
	if s.peerCert == nil {
		return ErrNoPeerCertificate
	}
	return identity.VerifyFingerprint(s.peerCert, expected)
}

// Role returns the local handshake role.
func (s *Session) Role() Role { return s.role }

// Profile returns the negotiated protection profile.
func (s *Session) Profile() Profile { return s.profile }

// Version returns the negotiated protocol version in wire form.
func (s *Session) Version() uint16 { return s.version }

// CreatedAt returns when the session was built.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// PeerCertificate returns the peer's certificate, or nil if it sent none.
func (s *Session) PeerCertificate() *x509.Certificate { return s.peerCert }

// PeerFingerprint returns the SHA-256 fingerprint of the peer certificate,
// or "" if the peer sent none.
func (s *Session) PeerFingerprint() string { return s.peerFingerprint }

// LocalFingerprint returns the fingerprint of the local certificate, if any.
func (s *Session) LocalFingerprint() string { return s.localFingerprint }

// KeyingMaterial returns a copy of the full exported block. Both sides of a
// handshake see identical bytes.
func (s *Session) KeyingMaterial() []byte {
	return clone(s.material)
}

// LocalKeyingMaterial returns copies of the master key and salt used by Protect.
func (s *Session) LocalKeyingMaterial() (key, salt []byte) {
	return clone(s.localKey), clone(s.localSalt)
}

// RemoteKeyingMaterial returns copies of the master key and salt used by Unprotect.
func (s *Session) RemoteKeyingMaterial() (key, salt []byte) {
	return clone(s.remoteKey), clone(s.remoteSalt)
}

// String returns a short description for logs.
func (s *Session) String() string {
	return fmt.Sprintf("session{%s %s}", s.role, s.profile)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
