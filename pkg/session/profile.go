package session

import (
	"fmt"
	"strings"

	"github.com/pion/srtp/v3"
)

// Profile is an SRTP protection profile, identified by its DTLS-SRTP wire id
// (RFC 5764, RFC 7714).
type Profile uint16

// Supported protection profiles.
const (
	ProfileAES128CMHMACSHA1_80 Profile = Profile(srtp.ProtectionProfileAes128CmHmacSha1_80)
	ProfileAES128CMHMACSHA1_32 Profile = Profile(srtp.ProtectionProfileAes128CmHmacSha1_32)
	ProfileAEADAES128GCM       Profile = Profile(srtp.ProtectionProfileAeadAes128Gcm)
	ProfileAEADAES256GCM       Profile = Profile(srtp.ProtectionProfileAeadAes256Gcm)
)

// DefaultProfiles is the preference list used when none is configured.
var DefaultProfiles = []Profile{
	ProfileAEADAES128GCM,
	ProfileAES128CMHMACSHA1_80,
}

// String returns the IANA name of the profile.
func (p Profile) String() string {
	switch p {
	case ProfileAES128CMHMACSHA1_80:
		return "SRTP_AES128_CM_HMAC_SHA1_80"
	case ProfileAES128CMHMACSHA1_32:
		return "SRTP_AES128_CM_HMAC_SHA1_32"
	case ProfileAEADAES128GCM:
		return "SRTP_AEAD_AES_128_GCM"
	case ProfileAEADAES256GCM:
		return "SRTP_AEAD_AES_256_GCM"
	default:
		return fmt.Sprintf("Profile(0x%04x)", uint16(p))
	}
}

// IsValid returns true if the profile is one this package can build.
func (p Profile) IsValid() bool {
	switch p {
	case ProfileAES128CMHMACSHA1_80, ProfileAES128CMHMACSHA1_32,
		ProfileAEADAES128GCM, ProfileAEADAES256GCM:
		return true
	}
	return false
}

// KeyLen returns the master key length in bytes.
func (p Profile) KeyLen() (int, error) {
	if !p.IsValid() {
		return 0, ErrUnsupportedProfile
	}
	return srtp.ProtectionProfile(p).KeyLen()
}

// SaltLen returns the master salt length in bytes.
func (p Profile) SaltLen() (int, error) {
	if !p.IsValid() {
		return 0, ErrUnsupportedProfile
	}
	return srtp.ProtectionProfile(p).SaltLen()
}

// KeyingMaterialLen returns the exporter output length the profile needs:
// a key and a salt for each direction.
func (p Profile) KeyingMaterialLen() (int, error) {
	keyLen, err := p.KeyLen()
	if err != nil {
		return 0, err
	}
	saltLen, err := p.SaltLen()
	if err != nil {
		return 0, err
	}
	return 2 * (keyLen + saltLen), nil
}

// Negotiate returns the first profile in preferred that also appears in
// supported. ok is false when the lists share no profile.
func Negotiate(preferred, supported []Profile) (Profile, bool) {
	for _, p := range preferred {
		for _, s := range supported {
			if p == s {
				return p, true
			}
		}
	}
	return 0, false
}

// tagLen returns the per-packet authentication tag overhead.
func (p Profile) tagLen() int {
	switch p {
	case ProfileAES128CMHMACSHA1_80:
		return 10
	case ProfileAES128CMHMACSHA1_32:
		return 4
	case ProfileAEADAES128GCM, ProfileAEADAES256GCM:
		return 16
	}
	return 0
}

// ParseProfile resolves an IANA profile name, as returned by String.
func ParseProfile(name string) (Profile, error) {
	for _, p := range []Profile{
		ProfileAES128CMHMACSHA1_80, ProfileAES128CMHMACSHA1_32,
		ProfileAEADAES128GCM, ProfileAEADAES256GCM,
	} {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProfile, name)
}
