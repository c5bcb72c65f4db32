package globalplatform

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/cardforge/keycard/pkg/apdu"
)

const (
	initializeUpdateResponseLength = 28

	hostChallengeLength = 8
)

// ErrInvalidCardCryptogram is returned when the card's INITIALIZE UPDATE
// cryptogram does not verify under the candidate key set: wrong base keys.
var ErrInvalidCardCryptogram = errors.New("globalplatform: invalid card cryptogram")

// SessionKeys holds the derived SCP02 session keys.
type SessionKeys struct {
	Enc []byte
	Mac []byte
	Dek []byte
}

// Session is one SCP02 session, created from an INITIALIZE UPDATE exchange
// and discarded when the GlobalPlatform work is done.
type Session struct {
	keys          *SessionKeys
	sequence      []byte
	cardChallenge []byte
	hostChallenge []byte
}

// NewSession derives session keys from the card's INITIALIZE UPDATE response
// and verifies the card cryptogram, proving the card holds baseKey.
//
// Response layout: 10 bytes key diversification data, 2 bytes key info,
// 2 bytes sequence counter, 6 bytes card challenge, 8 bytes card cryptogram.
func NewSession(baseKey []byte, resp *apdu.Response, hostChallenge []byte) (*Session, error) {
	if len(resp.Data) != initializeUpdateResponseLength {
		return nil, fmt.Errorf("globalplatform: INITIALIZE UPDATE response must be %d bytes, got %d",
			initializeUpdateResponseLength, len(resp.Data))
	}

	sequence := resp.Data[12:14]
	cardChallenge := resp.Data[12:20]
	cardCryptogram := resp.Data[20:28]

	encKey, err := deriveSessionKey(baseKey, sequence, purposeENC)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveSessionKey(baseKey, sequence, purposeMAC)
	if err != nil {
		return nil, err
	}
	dekKey, err := deriveSessionKey(baseKey, sequence, purposeDEK)
	if err != nil {
		return nil, err
	}

	expected, err := calculateCryptogram(encKey, hostChallenge, cardChallenge)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, cardCryptogram) != 1 {
		return nil, ErrInvalidCardCryptogram
	}

	return &Session{
		keys:          &SessionKeys{Enc: encKey, Mac: macKey, Dek: dekKey},
		sequence:      append([]byte(nil), sequence...),
		cardChallenge: append([]byte(nil), cardChallenge...),
		hostChallenge: append([]byte(nil), hostChallenge...),
	}, nil
}

// Keys returns the derived session keys.
func (s *Session) Keys() *SessionKeys {
	return s.keys
}

// HostCryptogram computes the proof the host sends in EXTERNAL AUTHENTICATE.
// Note the operand order differs from the card cryptogram.
func (s *Session) HostCryptogram() ([]byte, error) {
	data := make([]byte, 0, len(s.cardChallenge)+len(s.hostChallenge))
	data = append(data, s.cardChallenge...)
	data = append(data, s.hostChallenge...)
	return mac3DES(s.keys.Enc, data, nullBytes8)
}

// calculateCryptogram computes the card cryptogram over
// hostChallenge ‖ cardChallenge, where cardChallenge already starts with the
// sequence counter.
func calculateCryptogram(encKey, hostChallenge, cardChallenge []byte) ([]byte, error) {
	data := make([]byte, 0, len(hostChallenge)+len(cardChallenge))
	data = append(data, hostChallenge...)
	data = append(data, cardChallenge...)
	return mac3DES(encKey, data, nullBytes8)
}
