// Package globalplatform implements the SCP02 secure channel and the applet
// lifecycle commands used to provision cards: deleting packages, loading cap
// files and instantiating applets. It is independent from the wallet applet
// protocol and uses 3DES where that uses ECDH and AES.
package globalplatform

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"

	"github.com/cardforge/keycard/pkg/apdu"
	"github.com/cardforge/keycard/pkg/transport"
)

// ErrNoValidKeySet is returned when no candidate base key set authenticates
// against the card.
var ErrNoValidKeySet = errors.New("globalplatform: no candidate key set authenticates")

// isdAID selects the issuer security domain.
var isdAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// defaultKeySets is the ordered list of base keys tried during channel
// opening. The single entry is the GlobalPlatform test key most development
// cards ship with.
var defaultKeySets = [][]byte{
	{0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F},
}

// CommandSet drives one GlobalPlatform provisioning session.
type CommandSet struct {
	log logging.LeveledLogger
	c   transport.Channel

	keySets [][]byte
	session *Session
	wrapper *apduWrapper
}

// NewCommandSet builds a provisioning command set over c using the default
// candidate key sets.
func NewCommandSet(c transport.Channel, loggerFactory logging.LoggerFactory) *CommandSet {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &CommandSet{
		log:     loggerFactory.NewLogger("globalplatform"),
		c:       c,
		keySets: defaultKeySets,
	}
}

// SetKeySets replaces the candidate base keys tried by OpenSecureChannel.
func (cs *CommandSet) SetKeySets(keySets [][]byte) {
	cs.keySets = keySets
}

// Select selects the issuer security domain.
func (cs *CommandSet) Select() error {
	return cs.checkOK(cs.c.Send(newCommandSelect(isdAID)))
}

// OpenSecureChannel authenticates with the first candidate key set the card
// accepts. Exhausting all candidates is a hard failure.
func (cs *CommandSet) OpenSecureChannel() error {
	for i, keySet := range cs.keySets {
		err := cs.tryKeySet(keySet)
		if err == nil {
			cs.log.Debugf("authenticated with key set %d", i)
			return nil
		}
		if !errors.Is(err, ErrInvalidCardCryptogram) {
			return err
		}
		cs.log.Debugf("key set %d rejected, trying next", i)
	}
	return ErrNoValidKeySet
}

func (cs *CommandSet) tryKeySet(keySet []byte) error {
	hostChallenge := make([]byte, hostChallengeLength)
	if _, err := rand.Read(hostChallenge); err != nil {
		return fmt.Errorf("globalplatform: challenge generation failed: %w", err)
	}

	resp, err := cs.c.Send(newCommandInitializeUpdate(hostChallenge))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}

	session, err := NewSession(keySet, resp, hostChallenge)
	if err != nil {
		return err
	}

	wrapper := newAPDUWrapper(session.Keys().Mac)

	hostCryptogram, err := session.HostCryptogram()
	if err != nil {
		return err
	}

	// EXTERNAL AUTHENTICATE is the first MAC-wrapped command of the session.
	wrapped, err := wrapper.wrap(newCommandExternalAuthenticate(hostCryptogram))
	if err != nil {
		return err
	}
	if err := cs.checkOK(cs.c.Send(wrapped)); err != nil {
		return err
	}

	cs.session = session
	cs.wrapper = wrapper
	return nil
}

// DeleteObject removes an object and its related objects from the card.
// A file-not-found status is tolerated so deletes are idempotent.
func (cs *CommandSet) DeleteObject(aid []byte) error {
	resp, err := cs.sendWrapped(newCommandDelete(aid))
	if err != nil {
		return err
	}
	if !resp.IsOK() && resp.Sw != apdu.SwReferenceNotFound {
		return resp.Err()
	}
	return nil
}

// InstallForLoad announces a package load under the issuer security domain.
func (cs *CommandSet) InstallForLoad(packageAID []byte) error {
	resp, err := cs.sendWrapped(newCommandInstallForLoad(packageAID, isdAID))
	if err != nil {
		return err
	}
	return cs.statusError(resp)
}

// Load streams a cap file in MAC-wrapped block-chained LOAD commands. The
// optional progress callback receives the block index after each transfer.
func (cs *CommandSet) Load(capFile io.ReaderAt, size int64, progress func(index uint8, total int)) error {
	stream, err := NewLoadingStream(capFile, size)
	if err != nil {
		return err
	}

	total := stream.BlockCount()
	for {
		block, index, last, done := stream.Next()
		if done {
			return nil
		}

		resp, err := cs.sendWrapped(newCommandLoad(block, index, last))
		if err != nil {
			return err
		}
		if err := cs.statusError(resp); err != nil {
			return fmt.Errorf("globalplatform: load block %d of %d failed: %w", index, total, err)
		}

		if progress != nil {
			progress(index, total)
		}
	}
}

// InstallForInstall instantiates appletAID from packageAID under instanceAID
// and makes it selectable. params end up in the applet's install data.
func (cs *CommandSet) InstallForInstall(packageAID, appletAID, instanceAID, params []byte) error {
	resp, err := cs.sendWrapped(newCommandInstallForInstall(packageAID, appletAID, instanceAID, params))
	if err != nil {
		return err
	}
	return cs.statusError(resp)
}

func (cs *CommandSet) sendWrapped(cmd *apdu.Command) (*apdu.Response, error) {
	if cs.wrapper == nil {
		return nil, errors.New("globalplatform: secure channel not open")
	}

	wrapped, err := cs.wrapper.wrap(cmd)
	if err != nil {
		return nil, err
	}
	return cs.c.Send(wrapped)
}

func (cs *CommandSet) checkOK(resp *apdu.Response, err error) error {
	if err != nil {
		return err
	}
	return cs.statusError(resp)
}

func (cs *CommandSet) statusError(resp *apdu.Response) error {
	if !resp.IsOK() {
		return resp.Err()
	}
	return nil
}
