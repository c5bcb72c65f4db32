package keycard

import (
	"bytes"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/cardforge/keycard/pkg/tlv"
)

// ErrNoRecoveryID is returned when no recovery id reproduces the public key
// the card attached to the signature.
var ErrNoRecoveryID = errors.New("keycard: signature does not match the returned public key")

// Signature is a parsed SIGN response: the signing public key, the ECDSA
// integers and the recovery id needed to rebuild the key from the signature.
type Signature struct {
	PubKey []byte
	R      []byte
	S      []byte
	V      byte
}

// Serialize returns the 65-byte r‖s‖v form used by Ethereum-style consumers.
func (s *Signature) Serialize() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R...)
	out = append(out, s.S...)
	return append(out, s.V)
}

// ParseSignature decodes the signature template (tag A0) returned by SIGN and
// recovers the recovery id by trying each candidate against the embedded
// public key.
func ParseSignature(hash, data []byte) (*Signature, error) {
	pubKey, err := tlv.FindTag(data, tagSignatureTemplate, tagPublicKey)
	if err != nil {
		return nil, err
	}

	r, err := tlv.FindTagN(data, 0, tagSignatureTemplate, tagECDSASequence, tagShort)
	if err != nil {
		return nil, err
	}

	s, err := tlv.FindTagN(data, 1, tagSignatureTemplate, tagECDSASequence, tagShort)
	if err != nil {
		return nil, err
	}

	sig := &Signature{
		PubKey: pubKey,
		R:      leftPad32(r),
		S:      leftPad32(s),
	}

	if err := sig.recoverV(hash); err != nil {
		return nil, err
	}

	return sig, nil
}

func (sig *Signature) recoverV(hash []byte) error {
	compact := make([]byte, 65)
	copy(compact[1:33], sig.R)
	copy(compact[33:65], sig.S)

	for v := byte(0); v < 4; v++ {
		compact[0] = 27 + v

		recovered, _, err := ecdsa.RecoverCompact(compact, hash)
		if err != nil {
			continue
		}
		if bytes.Equal(recovered.SerializeUncompressed(), sig.PubKey) {
			sig.V = v
			return nil
		}
	}

	return ErrNoRecoveryID
}

// leftPad32 normalizes a DER integer to 32 bytes: strips the sign padding
// byte cards prepend to high values and left pads short values with zeros.
func leftPad32(b []byte) []byte {
	for len(b) > 32 && b[0] == 0x00 {
		b = b[1:]
	}
	if len(b) > 32 {
		// Cannot happen for a valid secp256k1 integer; keep the tail so the
		// mismatch surfaces during recovery instead of panicking here.
		b = b[len(b)-32:]
	}

	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
