package handshake

import (
	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
	hs "github.com/pion/dtls/v3/pkg/protocol/handshake"
	"golang.org/x/crypto/cryptobyte"
)

// DTLS 1.2 flights (RFC 6347 section 4.2.4) as seen on the wire. The
// responder answers the first ClientHello with a cookie (flight 2), so the
// initiator waits three times: for flights 2, 4 and 6.
const (
	flightClientHello        uint8 = 1
	flightHelloVerifyRequest uint8 = 2
	flightClientHelloCookie  uint8 = 3
	flightServerHello        uint8 = 4
	flightClientFinished     uint8 = 5
	flightServerFinished     uint8 = 6
)

// recordInfo is the cleartext part of one DTLS record.
type recordInfo struct {
	contentType protocol.ContentType
	version     ProtocolVersion
	epoch       uint16

	// First handshake message header of an epoch 0 handshake record.
	msgType hs.Type
	msgSeq  uint16

	// Body of an epoch 0 alert record.
	alert *alert.Alert
}

// inspect splits a datagram into DTLS records. It stops at the first record
// it cannot frame and leaves reporting that to the DTLS stack. Records after
// epoch 0 are encrypted and only their headers are read.
func inspect(b []byte) []recordInfo {
	var out []recordInfo
	s := cryptobyte.String(b)
	for !s.Empty() {
		var (
			r        recordInfo
			ct       uint8
			version  uint16
			fragment cryptobyte.String
		)
		if !s.ReadUint8(&ct) ||
			!s.ReadUint16(&version) ||
			!s.ReadUint16(&r.epoch) ||
			!s.Skip(6) ||
			!s.ReadUint16LengthPrefixed(&fragment) {
			return out
		}
		r.contentType = protocol.ContentType(ct)
		r.version = ProtocolVersion(version)

		if r.epoch == 0 {
			switch r.contentType {
			case protocol.ContentTypeHandshake:
				var t uint8
				if fragment.ReadUint8(&t) && fragment.Skip(3) && fragment.ReadUint16(&r.msgSeq) {
					r.msgType = hs.Type(t)
				}
			case protocol.ContentTypeAlert:
				var level, desc uint8
				if fragment.ReadUint8(&level) && fragment.ReadUint8(&desc) {
					r.alert = &alert.Alert{Level: alert.Level(level), Description: alert.Description(desc)}
				}
			}
		}
		out = append(out, r)
	}
	return out
}

// flightOf returns the flight a datagram belongs to, judged by its first
// record that identifies one, or 0. byInitiator tells who sent it.
func flightOf(records []recordInfo, byInitiator bool) uint8 {
	for _, r := range records {
		switch {
		case r.contentType == protocol.ContentTypeChangeCipherSpec:
			if byInitiator {
				return flightClientFinished
			}
			return flightServerFinished

		case r.contentType != protocol.ContentTypeHandshake || r.epoch != 0:
			continue

		case r.msgType == hs.TypeClientHello:
			if r.msgSeq == 0 {
				return flightClientHello
			}
			return flightClientHelloCookie

		case r.msgType == hs.TypeHelloVerifyRequest:
			return flightHelloVerifyRequest

		case byInitiator:
			return flightClientFinished

		default:
			return flightServerHello
		}
	}
	return 0
}

// fatalAlert returns the first fatal alert in records.
func fatalAlert(records []recordInfo) *alert.Alert {
	for _, r := range records {
		if r.alert != nil && r.alert.Level == alert.Fatal {
			return r.alert
		}
	}
	return nil
}
