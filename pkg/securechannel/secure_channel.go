// Package securechannel implements the Keycard secure channel: an ECDH
// derived AES-256-CBC session where every exchange is authenticated by a MAC
// that doubles as the next initialization vector.
//
// IV CHAINING:
// The MAC computed over each command becomes the IV for the following
// encryption, on both ends. The card adopts the chained IV only when it
// actually receives the command, so on a transport failure the local IV must
// be rolled back to its pre-command value or the two ends permanently
// disagree. A response MAC mismatch is the opposite case: the card already
// advanced its state, so the local IV advances too and the failure surfaces
// as a channel error instead.
package securechannel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pion/logging"

	"github.com/cardforge/keycard/pkg/apdu"
	"github.com/cardforge/keycard/pkg/transport"
)

const (
	// BlockSize is the AES block size used for payloads and MACs.
	BlockSize = 16

	// KeyLength is the length of the session ENC and MAC keys.
	KeyLength = 32

	// MaxPayloadSize is the largest plaintext a single encrypted command can
	// carry once padding, MAC and IV overhead are accounted for.
	MaxPayloadSize = 223

	uncompressedKeyLength = 65
)

var (
	// ErrNotOpen is returned when Send is called before a session is
	// established.
	ErrNotOpen = errors.New("securechannel: session not open")

	// ErrInvalidCardKey is returned when the card's public key is not a valid
	// uncompressed secp256k1 point.
	ErrInvalidCardKey = errors.New("securechannel: invalid card public key")

	// ErrInvalidResponseMAC is returned when the response MAC does not match
	// the locally recomputed one: session desynchronization or tampering.
	// The channel must be re-opened.
	ErrInvalidResponseMAC = errors.New("securechannel: invalid response MAC")

	// ErrNoSecret is returned by operations that need the ECDH secret before
	// it was derived.
	ErrNoSecret = errors.New("securechannel: shared secret not derived")
)

// SecureChannel holds the session state for encrypted communication with a
// card. It implements transport.Channel on top of an inner plain channel.
type SecureChannel struct {
	c   transport.Channel
	log logging.LeveledLogger

	key       *secp256k1.PrivateKey
	publicKey []byte
	secret    []byte

	encKey []byte
	macKey []byte
	iv     []byte
	open   bool
}

// New creates a secure channel over c with a fresh ephemeral key pair.
func New(c transport.Channel, loggerFactory logging.LoggerFactory) (*SecureChannel, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	sc := &SecureChannel{
		c:   c,
		log: loggerFactory.NewLogger("securechannel"),
	}
	if err := sc.GenerateKeyPair(); err != nil {
		return nil, err
	}

	return sc, nil
}

// GenerateKeyPair replaces the ephemeral key pair. Any derived secret and
// open session become invalid.
func (sc *SecureChannel) GenerateKeyPair() error {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("securechannel: key generation failed: %w", err)
	}

	sc.key = key
	sc.publicKey = key.PubKey().SerializeUncompressed()
	sc.secret = nil
	sc.Reset()

	return nil
}

// RawPublicKey returns the 65-byte uncompressed ephemeral public key sent to
// the card during OPEN SECURE CHANNEL and INIT.
func (sc *SecureChannel) RawPublicKey() []byte {
	return sc.publicKey
}

// Secret returns the raw ECDH shared secret, or nil before DeriveSecret.
func (sc *SecureChannel) Secret() []byte {
	return sc.secret
}

// DeriveSecret computes the ECDH shared secret from the card's uncompressed
// public key. No channel can be established until this succeeds.
func (sc *SecureChannel) DeriveSecret(cardKey []byte) error {
	if len(cardKey) != uncompressedKeyLength || cardKey[0] != 0x04 {
		return ErrInvalidCardKey
	}

	pub, err := secp256k1.ParsePubKey(cardKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCardKey, err)
	}

	sc.secret = secp256k1.GenerateSharedSecret(sc.key, pub)
	return nil
}

// Init installs session keys derived elsewhere and marks the channel open.
// The IV is the card supplied one from the OPEN SECURE CHANNEL response.
func (sc *SecureChannel) Init(iv, encKey, macKey []byte) {
	sc.iv = append([]byte(nil), iv...)
	sc.encKey = append([]byte(nil), encKey...)
	sc.macKey = append([]byte(nil), macKey...)
	sc.open = true
}

// IsOpen reports whether a session is established.
func (sc *SecureChannel) IsOpen() bool {
	return sc.open
}

// Reset clears the session keys and IV but keeps the ephemeral key pair and
// the ECDH secret, so the channel can be reopened after a physical session
// interruption without re-running key agreement.
func (sc *SecureChannel) Reset() {
	sc.iv = nil
	sc.encKey = nil
	sc.macKey = nil
	sc.open = false
}

// Close is the full teardown: Reset plus discarding the ECDH material.
func (sc *SecureChannel) Close() {
	sc.Reset()
	sc.secret = nil
}

// Send encrypts and MACs cmd's data field, transmits it, and verifies and
// decrypts the reply. The decrypted payload already carries the card's
// status word.
func (sc *SecureChannel) Send(cmd *apdu.Command) (*apdu.Response, error) {
	if !sc.open {
		return nil, ErrNotOpen
	}
	if len(cmd.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("securechannel: payload of %d bytes exceeds maximum of %d", len(cmd.Data), MaxPayloadSize)
	}

	encData, err := encryptData(cmd.Data, sc.encKey, sc.iv)
	if err != nil {
		return nil, err
	}

	meta := make([]byte, BlockSize)
	meta[0] = cmd.Cla
	meta[1] = cmd.Ins
	meta[2] = cmd.P1
	meta[3] = cmd.P2
	meta[4] = byte(len(encData) + BlockSize)

	mac, err := calculateMAC(meta, encData, sc.macKey)
	if err != nil {
		return nil, err
	}

	// The command MAC becomes the next IV. Remember the previous value so a
	// transport failure can undo the speculative update: the card never saw
	// the command and still chains from the old IV.
	prevIV := sc.iv
	sc.iv = mac

	wrapped := apdu.NewCommand(cmd.Cla, cmd.Ins, cmd.P1, cmd.P2, append(append([]byte(nil), mac...), encData...))

	resp, err := sc.c.Send(wrapped)
	if err != nil {
		sc.iv = prevIV
		return nil, fmt.Errorf("securechannel: transport failure: %w", err)
	}

	if !resp.IsOK() {
		// The card received the frame, so its chaining state moved on even
		// though it rejected the command. Surface the status to the caller.
		return resp, nil
	}

	if len(resp.Data) < BlockSize {
		return nil, fmt.Errorf("securechannel: response of %d bytes cannot carry a MAC", len(resp.Data))
	}

	rmac := resp.Data[:BlockSize]
	rdata := resp.Data[BlockSize:]

	plain, err := decryptData(rdata, sc.encKey, sc.iv)
	if err != nil {
		return nil, err
	}

	rmeta := make([]byte, BlockSize)
	rmeta[0] = byte(len(resp.Data))

	expectedMAC, err := calculateMAC(rmeta, rdata, sc.macKey)
	if err != nil {
		return nil, err
	}

	// The card has already advanced its own chaining state, so the IV moves
	// forward even when verification fails locally.
	sc.iv = expectedMAC

	if !bytes.Equal(expectedMAC, rmac) {
		return nil, ErrInvalidResponseMAC
	}

	return apdu.ParseResponse(plain)
}

// OneShotEncrypt encrypts data directly under the raw ECDH secret with a
// fresh random IV, for the INIT command that runs before any session exists.
// The result is [keyLen | publicKey | iv | ciphertext].
func (sc *SecureChannel) OneShotEncrypt(data []byte) ([]byte, error) {
	if sc.secret == nil {
		return nil, ErrNoSecret
	}

	iv := make([]byte, BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("securechannel: iv generation failed: %w", err)
	}

	encrypted, err := encryptData(data, sc.secret, iv)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(sc.publicKey)+len(iv)+len(encrypted))
	out = append(out, byte(len(sc.publicKey)))
	out = append(out, sc.publicKey...)
	out = append(out, iv...)
	out = append(out, encrypted...)

	return out, nil
}

func encryptData(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: cipher setup failed: %w", err)
	}

	padded := apdu.Pad(data, BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return out, nil
}

func decryptData(data, key, iv []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("securechannel: ciphertext of %d bytes is not block aligned", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: cipher setup failed: %w", err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	return apdu.Unpad(out, BlockSize), nil
}

// calculateMAC runs AES-256-CBC with a zero IV over the fixed-format meta
// block followed by the ciphertext and returns the last cipher block.
func calculateMAC(meta, data, macKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(macKey)
	if err != nil {
		return nil, fmt.Errorf("securechannel: mac setup failed: %w", err)
	}

	input := make([]byte, 0, len(meta)+len(data))
	input = append(input, meta...)
	input = append(input, data...)

	out := make([]byte, len(input))
	cipher.NewCBCEncrypter(block, make([]byte, BlockSize)).CryptBlocks(out, input)

	return out[len(out)-BlockSize:], nil
}
