package securechannel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cardforge/keycard/pkg/apdu"
)

// fakeCard simulates the card side of an open secure channel: it verifies
// the command MAC, chains its own IV and answers with an encrypted payload.
type fakeCard struct {
	encKey  []byte
	macKey  []byte
	iv      []byte
	payload []byte // plaintext response, including trailing status word

	err    error
	tamper bool

	received *apdu.Command
}

func (f *fakeCard) Send(cmd *apdu.Command) (*apdu.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.received = cmd

	mac := cmd.Data[:BlockSize]
	encData := cmd.Data[BlockSize:]

	meta := make([]byte, BlockSize)
	meta[0], meta[1], meta[2], meta[3] = cmd.Cla, cmd.Ins, cmd.P1, cmd.P2
	meta[4] = byte(len(encData) + BlockSize)

	expected, err := calculateMAC(meta, encData, f.macKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(mac, expected) {
		return apdu.NewResponse(apdu.SwSecurityConditionNotSatisfied, nil), nil
	}
	f.iv = mac

	rdata, err := encryptData(f.payload, f.encKey, f.iv)
	if err != nil {
		return nil, err
	}

	rmeta := make([]byte, BlockSize)
	rmeta[0] = byte(len(rdata) + BlockSize)

	rmac, err := calculateMAC(rmeta, rdata, f.macKey)
	if err != nil {
		return nil, err
	}
	f.iv = rmac

	out := append(append([]byte(nil), rmac...), rdata...)
	if f.tamper {
		out[0] ^= 0xFF
	}

	return apdu.NewResponse(apdu.SwOK, out), nil
}

func openTestChannel(t *testing.T) (*SecureChannel, *fakeCard) {
	t.Helper()

	encKey := bytes.Repeat([]byte{0x11}, KeyLength)
	macKey := bytes.Repeat([]byte{0x22}, KeyLength)
	iv := bytes.Repeat([]byte{0x33}, BlockSize)

	card := &fakeCard{
		encKey:  encKey,
		macKey:  macKey,
		iv:      iv,
		payload: []byte{0xCA, 0xFE, 0x90, 0x00},
	}

	sc, err := New(card, nil)
	require.NoError(t, err)
	sc.Init(iv, encKey, macKey)

	return sc, card
}

func TestSend_RoundTrip(t *testing.T) {
	sc, _ := openTestChannel(t)

	resp, err := sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, []byte{0x01}))
	require.NoError(t, err)
	require.True(t, resp.IsOK())
	require.Equal(t, []byte{0xCA, 0xFE}, resp.Data)
}

func TestSend_IVAdvancesToResponseMAC(t *testing.T) {
	sc, card := openTestChannel(t)

	_, err := sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.NoError(t, err)

	// Both ends chain from the response MAC afterwards.
	require.Equal(t, card.iv, sc.iv)

	// A second exchange must still verify, proving the chain is intact.
	_, err = sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.NoError(t, err)
}

func TestSend_TransportFailureRollsBackIV(t *testing.T) {
	sc, card := openTestChannel(t)

	before := append([]byte(nil), sc.iv...)

	card.err = errors.New("card pulled")
	_, err := sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.Error(t, err)
	require.Equal(t, before, sc.iv, "IV must not advance without card acknowledgment")

	// After the transport recovers the chain picks up where it left off.
	card.err = nil
	_, err = sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.NoError(t, err)
}

func TestSend_InvalidResponseMAC(t *testing.T) {
	sc, _ := openTestChannel(t)

	before := append([]byte(nil), sc.iv...)

	scCard := sc.c.(*fakeCard)
	scCard.tamper = true

	_, err := sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.ErrorIs(t, err, ErrInvalidResponseMAC)
	require.NotEqual(t, before, sc.iv, "IV advances even when verification fails")
}

func TestSend_NotOpen(t *testing.T) {
	sc, err := New(&fakeCard{}, nil)
	require.NoError(t, err)

	_, err = sc.Send(apdu.NewCommand(0x80, 0xF2, 0x00, 0x00, nil))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestSend_PayloadTooLarge(t *testing.T) {
	sc, _ := openTestChannel(t)

	_, err := sc.Send(apdu.NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, MaxPayloadSize+1)))
	require.Error(t, err)
}

func TestDeriveSecret(t *testing.T) {
	sc, err := New(&fakeCard{}, nil)
	require.NoError(t, err)

	cardKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	require.NoError(t, sc.DeriveSecret(cardKey.PubKey().SerializeUncompressed()))

	// ECDH is symmetric: the card derives the same secret from our key.
	ourPub, err := secp256k1.ParsePubKey(sc.RawPublicKey())
	require.NoError(t, err)
	require.Equal(t, secp256k1.GenerateSharedSecret(cardKey, ourPub), sc.Secret())
}

func TestDeriveSecret_InvalidKey(t *testing.T) {
	sc, err := New(&fakeCard{}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, sc.DeriveSecret(make([]byte, 33)), ErrInvalidCardKey)

	bogus := make([]byte, 65)
	bogus[0] = 0x04 // right shape, not on the curve
	require.ErrorIs(t, sc.DeriveSecret(bogus), ErrInvalidCardKey)
}

func TestOneShotEncrypt(t *testing.T) {
	sc, err := New(&fakeCard{}, nil)
	require.NoError(t, err)

	cardKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, sc.DeriveSecret(cardKey.PubKey().SerializeUncompressed()))

	payload := []byte("123456123456789012secret")
	out, err := sc.OneShotEncrypt(payload)
	require.NoError(t, err)

	keyLen := int(out[0])
	require.Equal(t, 65, keyLen)
	require.Equal(t, sc.RawPublicKey(), out[1:1+keyLen])

	iv := out[1+keyLen : 1+keyLen+BlockSize]
	ciphertext := out[1+keyLen+BlockSize:]

	plain, err := decryptData(ciphertext, sc.Secret(), iv)
	require.NoError(t, err)
	require.Equal(t, payload, plain)
}

func TestOneShotEncrypt_NoSecret(t *testing.T) {
	sc, err := New(&fakeCard{}, nil)
	require.NoError(t, err)

	_, err = sc.OneShotEncrypt([]byte{0x01})
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestReset_KeepsECDHMaterial(t *testing.T) {
	sc, _ := openTestChannel(t)

	cardKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, sc.DeriveSecret(cardKey.PubKey().SerializeUncompressed()))

	sc.Reset()
	require.False(t, sc.IsOpen())
	require.NotNil(t, sc.Secret(), "reset must keep the ECDH secret for reopening")
	require.NotNil(t, sc.RawPublicKey())

	sc.Close()
	require.Nil(t, sc.Secret())
}
