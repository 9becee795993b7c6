package handshake

import (
	"fmt"

	"github.com/pion/dtls/v3/pkg/protocol"
)

// ProtocolVersion is a protocol version in DTLS wire numbering. Versions are
// the one's complement of the TLS minor version, so a newer version has a
// numerically smaller value.
type ProtocolVersion uint16

// Known versions.
const (
	VersionDTLS10 ProtocolVersion = 0xfeff
	VersionDTLS12 ProtocolVersion = 0xfefd
	VersionDTLS13 ProtocolVersion = 0xfefc
)

// DefaultVersion is used for both bounds when none is configured. It is the
// only version a handshake completes with.
const DefaultVersion = VersionDTLS12

// Major returns the first wire byte.
func (v ProtocolVersion) Major() uint8 { return uint8(v >> 8) }

// Minor returns the second wire byte.
func (v ProtocolVersion) Minor() uint8 { return uint8(v) }

// NewerThan reports whether v is a later version than o.
func (v ProtocolVersion) NewerThan(o ProtocolVersion) bool {
	return v < o
}

// String returns the version name.
func (v ProtocolVersion) String() string {
	switch v {
	case VersionDTLS10:
		return "DTLS 1.0"
	case VersionDTLS12:
		return "DTLS 1.2"
	case VersionDTLS13:
		return "DTLS 1.3"
	default:
		return fmt.Sprintf("Version(0x%04x)", uint16(v))
	}
}

// within reports whether v lies in [lo, hi].
func (v ProtocolVersion) within(lo, hi ProtocolVersion) bool {
	return !lo.NewerThan(v) && !v.NewerThan(hi)
}

// wire returns v in the DTLS stack's representation.
func (v ProtocolVersion) wire() protocol.Version {
	return protocol.Version{Major: v.Major(), Minor: v.Minor()}
}

// negotiable is the one version the DTLS stack completes handshakes with.
const negotiable = VersionDTLS12

// helloVersion returns the version to announce in our hello. It is
// negotiable when [lo, hi] contains it; otherwise hi, which the peer
// rejects with a protocol_version alert, and ok is false.
func helloVersion(lo, hi ProtocolVersion) (v ProtocolVersion, ok bool) {
	if negotiable.within(lo, hi) {
		return negotiable, true
	}
	return hi, false
}
