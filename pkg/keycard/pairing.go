package keycard

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	pairingTokenSalt       = "Keycard Pairing Password Salt"
	pairingTokenIterations = 50000
	pairingTokenLength     = 32

	pairingChallengeLength = 32
)

// DerivePairingToken turns the human pairing password into the 32-byte
// shared secret used by the PAIR handshake. Password and salt are both
// NFKD-normalized so the same password types the same token on every
// platform.
func DerivePairingToken(password string) []byte {
	secret := norm.NFKD.Bytes([]byte(password))
	salt := norm.NFKD.Bytes([]byte(pairingTokenSalt))

	return pbkdf2.Key(secret, salt, pairingTokenIterations, pairingTokenLength, sha256.New)
}

// pairingChallenge is the client half of the mutual proof-of-possession run
// by the two PAIR steps.
type pairingChallenge struct {
	token     []byte
	challenge []byte
}

func newPairingChallenge(token []byte) (*pairingChallenge, error) {
	challenge := make([]byte, pairingChallengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("keycard: challenge generation failed: %w", err)
	}

	return &pairingChallenge{token: token, challenge: challenge}, nil
}

// verifyCard checks the card's cryptogram over our challenge, proving it
// knows the pairing token.
func (p *pairingChallenge) verifyCard(cardCryptogram []byte) bool {
	expected := pairingCryptogram(p.token, p.challenge)
	return bytes.Equal(expected, cardCryptogram)
}

// answer computes our cryptogram over the card's challenge.
func (p *pairingChallenge) answer(cardChallenge []byte) []byte {
	return pairingCryptogram(p.token, cardChallenge)
}

func pairingCryptogram(token, challenge []byte) []byte {
	h := sha256.New()
	h.Write(token)
	h.Write(challenge)
	return h.Sum(nil)
}

// pairingKey derives the long-lived pairing key from the token and the salt
// the card returned in the second PAIR response.
func pairingKey(token, salt []byte) []byte {
	h := sha256.New()
	h.Write(token)
	h.Write(salt)
	return h.Sum(nil)
}
