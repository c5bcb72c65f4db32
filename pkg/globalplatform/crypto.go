package globalplatform

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

const desBlockSize = 8

// SCP02 session key derivation constants.
var (
	purposeENC = []byte{0x01, 0x82}
	purposeMAC = []byte{0x01, 0x01}
	purposeDEK = []byte{0x01, 0x81}

	nullBytes8 = make([]byte, desBlockSize)
)

// deriveSessionKey computes one SCP02 session key: 3DES-CBC over the
// derivation block [purpose ‖ sequence ‖ 12 zero bytes] under the resized
// base key with a zero IV.
func deriveSessionKey(baseKey, seq, purpose []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(resizeKey24(baseKey))
	if err != nil {
		return nil, fmt.Errorf("globalplatform: 3DES setup failed: %w", err)
	}

	derivation := make([]byte, 16)
	copy(derivation, purpose)
	copy(derivation[2:], seq)

	out := make([]byte, 16)
	cipher.NewCBCEncrypter(block, nullBytes8).CryptBlocks(out, derivation)

	return out, nil
}

// mac3DES is the full 3DES-CBC MAC: the last cipher block over the padded
// data. Used for the card and host cryptograms.
func mac3DES(key, data, iv []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(resizeKey24(key))
	if err != nil {
		return nil, fmt.Errorf("globalplatform: 3DES setup failed: %w", err)
	}

	padded := appendDESPadding(data)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return out[len(out)-desBlockSize:], nil
}

// macFull3DES is the SCP02 retail MAC: single DES-CBC over every block but
// the last, then one 3DES operation on the final block.
func macFull3DES(key, data, iv []byte) ([]byte, error) {
	padded := appendDESPadding(data)

	tripleDES, err := des.NewTripleDESCipher(resizeKey24(key))
	if err != nil {
		return nil, fmt.Errorf("globalplatform: 3DES setup failed: %w", err)
	}
	singleDES, err := des.NewCipher(key[:desBlockSize])
	if err != nil {
		return nil, fmt.Errorf("globalplatform: DES setup failed: %w", err)
	}

	chain := iv
	if len(padded) > desBlockSize {
		head := make([]byte, len(padded)-desBlockSize)
		cipher.NewCBCEncrypter(singleDES, iv).CryptBlocks(head, padded[:len(padded)-desBlockSize])
		chain = head[len(head)-desBlockSize:]
	}

	out := make([]byte, desBlockSize)
	cipher.NewCBCEncrypter(tripleDES, chain).CryptBlocks(out, padded[len(padded)-desBlockSize:])

	return out, nil
}

// encryptICV encrypts the previous MAC under the first half of the MAC key
// before it chains into the next command, as SCP02 requires.
func encryptICV(macKey, icv []byte) ([]byte, error) {
	block, err := des.NewCipher(macKey[:desBlockSize])
	if err != nil {
		return nil, fmt.Errorf("globalplatform: DES setup failed: %w", err)
	}

	out := make([]byte, desBlockSize)
	cipher.NewCBCEncrypter(block, nullBytes8).CryptBlocks(out, icv)

	return out, nil
}

// resizeKey24 extends a 16-byte 2-key 3DES key into the 24-byte form the
// standard library cipher expects (K1 ‖ K2 ‖ K1).
func resizeKey24(key []byte) []byte {
	out := make([]byte, 24)
	copy(out, key[:16])
	copy(out[16:], key[:desBlockSize])
	return out
}

// appendDESPadding pads to the DES block size with 0x80 and zeros.
func appendDESPadding(data []byte) []byte {
	out := make([]byte, len(data), len(data)+desBlockSize)
	copy(out, data)
	out = append(out, 0x80)
	for len(out)%desBlockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}
