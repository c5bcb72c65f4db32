package keycard

import (
	"errors"
	"fmt"

	"github.com/cardforge/keycard/pkg/tlv"
)

// TLV tags of the Keycard applet responses.
const (
	tagApplicationTemplate = "A4"
	tagStatusTemplate      = "A3"
	tagSignatureTemplate   = "A0"
	tagInstanceUID         = "8F"
	tagPublicKey           = "80"
	tagShort               = "02" // version, pairing slots, retry counters, ECDSA integers
	tagBool                = "01"
	tagKeyUID              = "8E"
	tagCapabilities        = "8D"
	tagECDSASequence       = "30"
	tagKeypairTemplate     = "A1"
	tagPrivateKey          = "81"
	tagChainCode           = "82"
)

// Capability is the applet capability bitmask from the SELECT response.
type Capability byte

const (
	CapSecureChannel Capability = 1 << iota
	CapKeyManagement
	CapCredentialsManagement
	CapNDEF

	CapAll = CapSecureChannel | CapKeyManagement | CapCredentialsManagement | CapNDEF
)

// Has reports whether all the given capability bits are present.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// ApplicationInfo is the immutable snapshot produced by parsing a SELECT
// response. It is replaced wholesale on every re-select.
type ApplicationInfo struct {
	Installed      bool
	Initialized    bool
	InstanceUID    []byte
	PublicKey      []byte
	Version        []byte
	AvailableSlots int
	// KeyUID is the SHA-256 of the master public key on the card, empty when
	// the card holds no key.
	KeyUID       []byte
	Capabilities Capability
}

// VersionString renders the two-byte applet version as "major.minor".
func (a *ApplicationInfo) VersionString() string {
	if len(a.Version) < 2 {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d", a.Version[0], a.Version[1])
}

// HasMasterKey reports whether the card holds a wallet key.
func (a *ApplicationInfo) HasMasterKey() bool {
	return len(a.KeyUID) > 0
}

// ParseApplicationInfo decodes a successful SELECT response.
//
// An initialized card answers with the application template (tag A4); a card
// that is installed but not yet initialized answers with a bare tag 80
// carrying only the secure channel public key.
func ParseApplicationInfo(data []byte) (*ApplicationInfo, error) {
	if len(data) == 0 {
		return nil, errors.New("keycard: empty SELECT response")
	}

	if data[0] == 0x80 {
		pubKey, err := tlv.FindTag(data, tagPublicKey)
		if err != nil {
			return nil, err
		}
		return &ApplicationInfo{
			Installed:    true,
			Initialized:  false,
			PublicKey:    pubKey,
			Capabilities: CapSecureChannel | CapCredentialsManagement,
		}, nil
	}

	info := &ApplicationInfo{Installed: true, Initialized: true}

	instanceUID, err := tlv.FindTag(data, tagApplicationTemplate, tagInstanceUID)
	if err != nil {
		return nil, err
	}
	info.InstanceUID = instanceUID

	// The secure channel key is absent on cards without that capability.
	if pubKey, err := tlv.FindTag(data, tagApplicationTemplate, tagPublicKey); err == nil {
		info.PublicKey = pubKey
	}

	version, err := tlv.FindTagN(data, 0, tagApplicationTemplate, tagShort)
	if err != nil {
		return nil, err
	}
	info.Version = version

	slots, err := tlv.FindTagN(data, 1, tagApplicationTemplate, tagShort)
	if err != nil {
		return nil, err
	}
	if len(slots) > 0 {
		info.AvailableSlots = int(slots[len(slots)-1])
	}

	if keyUID, err := tlv.FindTag(data, tagApplicationTemplate, tagKeyUID); err == nil {
		info.KeyUID = keyUID
	}

	// Capability parsing is acknowledged incomplete upstream: absence means
	// "assume everything" rather than "nothing". Treat it as a placeholder.
	info.Capabilities = CapAll
	if caps, err := tlv.FindTag(data, tagApplicationTemplate, tagCapabilities); err == nil && len(caps) > 0 {
		info.Capabilities = Capability(caps[0])
	}

	return info, nil
}

// ApplicationStatus is the card state returned by GET STATUS and cached by
// the command set after secure channel opening and PIN verification.
type ApplicationStatus struct {
	PinRetryCount  int
	PUKRetryCount  int
	KeyInitialized bool

	// Path is the current derivation path, only populated by the path
	// variant of GET STATUS.
	Path []uint32
}

// ParseApplicationStatus decodes the application-status template (tag A3).
func ParseApplicationStatus(data []byte) (*ApplicationStatus, error) {
	pinRetries, err := tlv.FindTagN(data, 0, tagStatusTemplate, tagShort)
	if err != nil {
		return nil, err
	}

	pukRetries, err := tlv.FindTagN(data, 1, tagStatusTemplate, tagShort)
	if err != nil {
		return nil, err
	}

	keyInit, err := tlv.FindTag(data, tagStatusTemplate, tagBool)
	if err != nil {
		return nil, err
	}

	if len(pinRetries) == 0 || len(pukRetries) == 0 || len(keyInit) == 0 {
		return nil, errors.New("keycard: malformed status template")
	}

	return &ApplicationStatus{
		PinRetryCount:  int(pinRetries[0]),
		PUKRetryCount:  int(pukRetries[0]),
		KeyInitialized: keyInit[0] == 0xFF,
	}, nil
}

// ExportedKey is the keypair template (tag A1) returned by EXPORT KEY. The
// private key and chain code fields are present only for export variants the
// card allows them on.
type ExportedKey struct {
	PublicKey  []byte
	PrivateKey []byte
	ChainCode  []byte
}

// ParseExportedKey decodes an EXPORT KEY response.
func ParseExportedKey(data []byte) (*ExportedKey, error) {
	key := &ExportedKey{}
	found := false

	if pub, err := tlv.FindTag(data, tagKeypairTemplate, tagPublicKey); err == nil {
		key.PublicKey = pub
		found = true
	}
	if priv, err := tlv.FindTag(data, tagKeypairTemplate, tagPrivateKey); err == nil {
		key.PrivateKey = priv
		found = true
	}
	if chain, err := tlv.FindTag(data, tagKeypairTemplate, tagChainCode); err == nil {
		key.ChainCode = chain
	}

	if !found {
		return nil, errors.New("keycard: keypair template carries no key material")
	}
	return key, nil
}
