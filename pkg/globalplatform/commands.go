package globalplatform

import (
	"github.com/cardforge/keycard/pkg/apdu"
	"github.com/cardforge/keycard/pkg/tlv"
)

// GlobalPlatform instruction bytes.
const (
	claISO7816 = 0x00
	claGP      = 0x80

	insSelect               = 0xA4
	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82
	insDelete               = 0xE4
	insInstall              = 0xE6
	insLoad                 = 0xE8
	insGetStatus            = 0xF2
)

const (
	p1ExternalAuthenticateCMAC = 0x01

	p2DeleteObjectAndRelated = 0x80

	p1InstallForLoad                     = 0x02
	p1InstallForInstallAndMakeSelectable = 0x0C

	p1LoadMoreBlocks = 0x00
	p1LoadLastBlock  = 0x80
)

func newCommandSelect(aid []byte) *apdu.Command {
	return apdu.NewCommand(claISO7816, insSelect, 0x04, 0x00, aid)
}

func newCommandInitializeUpdate(hostChallenge []byte) *apdu.Command {
	return apdu.NewCommand(claGP, insInitializeUpdate, 0x00, 0x00, hostChallenge)
}

func newCommandExternalAuthenticate(hostCryptogram []byte) *apdu.Command {
	return apdu.NewCommand(claGP, insExternalAuthenticate, p1ExternalAuthenticateCMAC, 0x00, hostCryptogram)
}

// newCommandDelete removes an object and everything related to it (tag 4F
// wraps the AID).
func newCommandDelete(aid []byte) *apdu.Command {
	return apdu.NewCommand(claGP, insDelete, 0x00, p2DeleteObjectAndRelated, tlv.Encode([]byte{0x4F}, aid))
}

// newCommandInstallForLoad announces a package load to the security domain.
func newCommandInstallForLoad(packageAID, sdAID []byte) *apdu.Command {
	data := make([]byte, 0, len(packageAID)+len(sdAID)+5)
	data = append(data, byte(len(packageAID)))
	data = append(data, packageAID...)
	data = append(data, byte(len(sdAID)))
	data = append(data, sdAID...)
	// No load file data block hash, parameters or token.
	data = append(data, 0x00, 0x00, 0x00)

	return apdu.NewCommand(claGP, insInstall, p1InstallForLoad, 0x00, data)
}

// newCommandInstallForInstall instantiates an applet from a loaded package
// and makes it selectable.
func newCommandInstallForInstall(packageAID, appletAID, instanceAID, params []byte) *apdu.Command {
	data := make([]byte, 0, len(packageAID)+len(appletAID)+len(instanceAID)+len(params)+10)
	data = append(data, byte(len(packageAID)))
	data = append(data, packageAID...)
	data = append(data, byte(len(appletAID)))
	data = append(data, appletAID...)
	data = append(data, byte(len(instanceAID)))
	data = append(data, instanceAID...)

	// Privileges (none) followed by install parameters wrapped in tag C9.
	data = append(data, 0x01, 0x00)
	installParams := tlv.Encode([]byte{0xC9}, params)
	data = append(data, byte(len(installParams)))
	data = append(data, installParams...)
	data = append(data, 0x00) // no install token

	return apdu.NewCommand(claGP, insInstall, p1InstallForInstallAndMakeSelectable, 0x00, data)
}

func newCommandLoad(block []byte, index uint8, last bool) *apdu.Command {
	p1 := uint8(p1LoadMoreBlocks)
	if last {
		p1 = p1LoadLastBlock
	}
	return apdu.NewCommand(claGP, insLoad, p1, index, block)
}
