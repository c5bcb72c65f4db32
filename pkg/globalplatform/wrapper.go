package globalplatform

import (
	"bytes"

	"github.com/cardforge/keycard/pkg/apdu"
)

// apduWrapper MAC-wraps commands inside an authenticated SCP02 session. The
// ICV chains: each command's MAC, single-DES encrypted, becomes the IV for
// the next MAC.
type apduWrapper struct {
	macKey []byte
	icv    []byte
}

func newAPDUWrapper(macKey []byte) *apduWrapper {
	return &apduWrapper{
		macKey: macKey,
		icv:    append([]byte(nil), nullBytes8...),
	}
}

// wrap appends the session MAC to cmd and sets the secure messaging bit in
// its class byte.
func (w *apduWrapper) wrap(cmd *apdu.Command) (*apdu.Command, error) {
	icv := w.icv
	if !bytes.Equal(icv, nullBytes8) {
		encrypted, err := encryptICV(w.macKey, icv)
		if err != nil {
			return nil, err
		}
		icv = encrypted
	}

	cla := cmd.Cla | 0x04

	macData := make([]byte, 0, 5+len(cmd.Data))
	macData = append(macData, cla, cmd.Ins, cmd.P1, cmd.P2, byte(len(cmd.Data)+desBlockSize))
	macData = append(macData, cmd.Data...)

	mac, err := macFull3DES(w.macKey, macData, icv)
	if err != nil {
		return nil, err
	}
	w.icv = mac

	data := make([]byte, 0, len(cmd.Data)+desBlockSize)
	data = append(data, cmd.Data...)
	data = append(data, mac...)

	return apdu.NewCommand(cla, cmd.Ins, cmd.P1, cmd.P2, data), nil
}
