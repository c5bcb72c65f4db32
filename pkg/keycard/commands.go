package keycard

import (
	"github.com/cardforge/keycard/pkg/apdu"
	"github.com/cardforge/keycard/pkg/derivation"
)

// Instruction bytes of the Keycard applet.
const (
	claISO7816 = 0x00
	claKeycard = 0x80

	insSelect            = 0xA4
	insInit              = 0xFE
	insOpenSecureChannel = 0x10
	insMutuallyAuth      = 0x11
	insPair              = 0x12
	insUnpair            = 0x13
	insIdentify          = 0x14
	insGetStatus         = 0xF2
	insVerifyPIN         = 0x20
	insChangeSecret      = 0x21
	insUnblockPIN        = 0x22
	insLoadKey           = 0xD0
	insDeriveKey         = 0xD1
	insGenerateMnemonic  = 0xD2
	insRemoveKey         = 0xD3
	insGenerateKey       = 0xD4
	insSign              = 0xC0
	insSetPinlessPath    = 0xC1
	insExportKey         = 0xC2
	insGetData           = 0xCA
	insStoreData         = 0xE2
	insFactoryReset      = 0xFD
)

// P1 values.
const (
	p1SelectByName = 0x04

	p1PairFirstStep = 0x00
	p1PairFinalStep = 0x01

	p1GetStatusApplication = 0x00
	p1GetStatusKeyPath     = 0x01

	// P1ChangePIN and friends select which secret CHANGE PIN replaces.
	P1ChangePIN           = 0x00
	P1ChangePUK           = 0x01
	P1ChangePairingSecret = 0x02

	p1LoadKeySeed = 0x03

	// P1SignCurrentKey signs with the active key; the derive variants take a
	// path appended to the hash.
	P1SignCurrentKey           = 0x00
	P1SignDerive               = 0x01
	P1SignDeriveAndMakeCurrent = 0x02

	P1ExportKeyCurrent              = 0x00
	P1ExportKeyDerive               = 0x01
	P1ExportKeyDeriveAndMakeCurrent = 0x02

	// P2 of EXPORT KEY selects how much key material leaves the card.
	P2ExportKeyPrivateAndPublic = 0x00
	P2ExportKeyPublicOnly       = 0x01
	P2ExportKeyExtendedPublic   = 0x02

	// Data slots addressed by STORE DATA / GET DATA.
	P1StoreDataPublic = 0x00
	P1StoreDataNDEF   = 0x01
	P1StoreDataCash   = 0x02

	p1FactoryReset = 0xAA
	p2FactoryReset = 0x55
)

// instanceAID selects instance 0001 of the Keycard applet.
var instanceAID = []byte{0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01, 0x01, 0x00, 0x01}

func newCommandSelect(aid []byte) *apdu.Command {
	return apdu.NewCommand(claISO7816, insSelect, p1SelectByName, 0x00, aid)
}

// newCommandInit carries the one-shot encrypted PIN, PUK and pairing token.
func newCommandInit(encryptedSecrets []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insInit, 0x00, 0x00, encryptedSecrets)
}

func newCommandOpenSecureChannel(pairingIndex uint8, publicKey []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insOpenSecureChannel, pairingIndex, 0x00, publicKey)
}

func newCommandMutuallyAuthenticate(challenge []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insMutuallyAuth, 0x00, 0x00, challenge)
}

func newCommandPairFirstStep(challenge []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insPair, p1PairFirstStep, 0x00, challenge)
}

func newCommandPairFinalStep(cryptogram []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insPair, p1PairFinalStep, 0x00, cryptogram)
}

func newCommandUnpair(index uint8) *apdu.Command {
	return apdu.NewCommand(claKeycard, insUnpair, index, 0x00, nil)
}

func newCommandIdentify(challenge []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insIdentify, 0x00, 0x00, challenge)
}

func newCommandGetStatus(p1 uint8) *apdu.Command {
	return apdu.NewCommand(claKeycard, insGetStatus, p1, 0x00, nil)
}

func newCommandVerifyPIN(pin string) *apdu.Command {
	return apdu.NewCommand(claKeycard, insVerifyPIN, 0x00, 0x00, []byte(pin))
}

func newCommandChangeSecret(p1 uint8, secret []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insChangeSecret, p1, 0x00, secret)
}

func newCommandUnblockPIN(puk, newPIN string) *apdu.Command {
	return apdu.NewCommand(claKeycard, insUnblockPIN, 0x00, 0x00, append([]byte(puk), []byte(newPIN)...))
}

func newCommandLoadSeed(seed []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insLoadKey, p1LoadKeySeed, 0x00, seed)
}

func newCommandDeriveKey(startingPoint derivation.StartingPoint, path []uint32) *apdu.Command {
	return apdu.NewCommand(claKeycard, insDeriveKey, uint8(startingPoint), 0x00, derivation.Encode(path))
}

func newCommandGenerateMnemonic(checksumSize uint8) *apdu.Command {
	return apdu.NewCommand(claKeycard, insGenerateMnemonic, checksumSize, 0x00, nil)
}

func newCommandRemoveKey() *apdu.Command {
	return apdu.NewCommand(claKeycard, insRemoveKey, 0x00, 0x00, nil)
}

func newCommandGenerateKey() *apdu.Command {
	return apdu.NewCommand(claKeycard, insGenerateKey, 0x00, 0x00, nil)
}

func newCommandSign(hash []byte, p1 uint8, path []uint32) *apdu.Command {
	data := append([]byte(nil), hash...)
	if p1 != P1SignCurrentKey {
		data = append(data, derivation.Encode(path)...)
	}
	return apdu.NewCommand(claKeycard, insSign, p1, 0x00, data)
}

func newCommandSetPinlessPath(path []uint32) *apdu.Command {
	return apdu.NewCommand(claKeycard, insSetPinlessPath, 0x00, 0x00, derivation.Encode(path))
}

func newCommandExportKey(p1, p2 uint8, path []uint32) *apdu.Command {
	var data []byte
	if p1 != P1ExportKeyCurrent {
		data = derivation.Encode(path)
	}
	return apdu.NewCommand(claKeycard, insExportKey, p1, p2, data)
}

func newCommandGetData(slot uint8) *apdu.Command {
	return apdu.NewCommand(claKeycard, insGetData, slot, 0x00, nil)
}

func newCommandStoreData(slot uint8, data []byte) *apdu.Command {
	return apdu.NewCommand(claKeycard, insStoreData, slot, 0x00, data)
}

func newCommandFactoryReset() *apdu.Command {
	return apdu.NewCommand(claKeycard, insFactoryReset, p1FactoryReset, p2FactoryReset, nil)
}
