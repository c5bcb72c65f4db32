// Package keycard drives the Keycard wallet applet: applet selection, the
// pairing lifecycle, secure channel establishment and the PIN-gated key
// management and signing operations.
//
// The state machine a card session walks through is
//
//	NoCard -> Selected (pre-init | initialized) -> Paired -> SecureChannelOpen -> Authenticated
//
// CommandSet owns that state. It is not safe for concurrent use; the manager
// package serializes all access onto a single worker.
package keycard

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/pion/logging"

	"github.com/cardforge/keycard/pkg/apdu"
	"github.com/cardforge/keycard/pkg/derivation"
	"github.com/cardforge/keycard/pkg/metadata"
	"github.com/cardforge/keycard/pkg/securechannel"
	"github.com/cardforge/keycard/pkg/transport"
)

const (
	pinLength = 6
	pukLength = 12

	hashLength = 32
	seedLength = 64

	maxPINRetries = 3
	maxPUKRetries = 5

	mutualAuthChallengeLength = 32
)

var (
	pinPattern = regexp.MustCompile(`^\d{6}$`)
	pukPattern = regexp.MustCompile(`^\d{12}$`)
)

// lastSecret tags which credential the previous command verified, because a
// wrong PIN and a wrong PUK produce the identical 63Cx status word and can
// only be told apart by what was sent.
type lastSecret int

const (
	secretNone lastSecret = iota
	secretPIN
	secretPUK
)

// CommandSet is the protocol state machine for one card session.
type CommandSet struct {
	log logging.LeveledLogger

	t  transport.Transport
	c  transport.Channel
	sc *securechannel.SecureChannel

	info   *ApplicationInfo
	status *ApplicationStatus

	pairing   *PairingInfo
	storage   PairingStorage
	passwords PasswordProvider

	cachedPIN     string
	authenticated bool
	scDirty       bool
	reopening     bool
}

// NewCommandSet builds a command set over t, with a plain channel for
// unauthenticated commands and a secure channel layered on top of it.
func NewCommandSet(t transport.Transport, loggerFactory logging.LoggerFactory) (*CommandSet, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	c := transport.NewNormalChannel(t, loggerFactory)
	sc, err := securechannel.New(c, loggerFactory)
	if err != nil {
		return nil, err
	}

	return &CommandSet{
		log: loggerFactory.NewLogger("keycard"),
		t:   t,
		c:   c,
		sc:  sc,
	}, nil
}

// SetPairingStorage installs the persistence backend for pairing material.
func (cs *CommandSet) SetPairingStorage(s PairingStorage) {
	cs.storage = s
}

// SetPasswordProvider installs the callback used to obtain a pairing password
// when no stored pairing exists.
func (cs *CommandSet) SetPasswordProvider(p PasswordProvider) {
	cs.passwords = p
}

// SetPairing installs pairing credentials obtained out of band.
func (cs *CommandSet) SetPairing(p *PairingInfo) {
	cs.pairing = p
}

// Pairing returns the active pairing credentials, nil when unpaired.
func (cs *CommandSet) Pairing() *PairingInfo {
	return cs.pairing
}

// ApplicationInfo returns the cached SELECT snapshot, nil before Select.
func (cs *CommandSet) ApplicationInfo() *ApplicationInfo {
	return cs.info
}

// ApplicationStatus returns the cached card status. It is refreshed on every
// secure channel open and PIN verification.
func (cs *CommandSet) ApplicationStatus() *ApplicationStatus {
	return cs.status
}

// CardID identifies the physical card by its instance UID.
func (cs *CommandSet) CardID() string {
	if cs.info == nil {
		return ""
	}
	return hex.EncodeToString(cs.info.InstanceUID)
}

// Select sends SELECT for the Keycard applet and parses the response into
// ApplicationInfo. It is idempotent unless force is set. A different card
// showing up wipes all session state.
func (cs *CommandSet) Select(force bool) error {
	if cs.info != nil && !force {
		return nil
	}

	resp, err := cs.c.Send(newCommandSelect(instanceAID))
	if err != nil {
		return err
	}

	if resp.Sw == apdu.SwFileNotFound {
		cs.info = &ApplicationInfo{Installed: false}
		return ErrNotInstalled
	}
	if !resp.IsOK() {
		return resp.Err()
	}

	info, err := ParseApplicationInfo(resp.Data)
	if err != nil {
		return err
	}

	if cs.instanceChanged(info) {
		cs.log.Infof("different card detected, dropping session state")
		cs.wipeSession()
	}
	cs.info = info

	if len(info.PublicKey) > 0 {
		if err := cs.sc.DeriveSecret(info.PublicKey); err != nil {
			return err
		}
	}

	cs.log.Debugf("selected applet version %s, initialized=%v", info.VersionString(), info.Initialized)
	return nil
}

// Init personalizes a factory-fresh card with its PIN, PUK and pairing
// password. The secrets travel in a single one-shot encrypted block. On
// success local state is cleared and the transport is asked to re-scan so the
// card is picked up again in its initialized form.
func (cs *CommandSet) Init(pin, puk, pairingPassword string) error {
	if !pinPattern.MatchString(pin) {
		return fmt.Errorf("keycard: PIN must be %d digits", pinLength)
	}
	if !pukPattern.MatchString(puk) {
		return fmt.Errorf("keycard: PUK must be %d digits", pukLength)
	}
	if pairingPassword == "" {
		return errors.New("keycard: pairing password must not be empty")
	}

	if err := cs.Select(false); err != nil {
		return err
	}
	if cs.info.Initialized {
		return ErrAlreadyInitialized
	}

	if err := cs.sc.DeriveSecret(cs.info.PublicKey); err != nil {
		return err
	}

	secrets := make([]byte, 0, pinLength+pukLength+pairingTokenLength)
	secrets = append(secrets, []byte(pin)...)
	secrets = append(secrets, []byte(puk)...)
	secrets = append(secrets, DerivePairingToken(pairingPassword)...)

	encrypted, err := cs.sc.OneShotEncrypt(secrets)
	if err != nil {
		return err
	}

	resp, err := cs.c.Send(newCommandInit(encrypted))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}

	cs.info = nil
	if cs.t != nil {
		if err := cs.t.ForceScan(); err != nil {
			cs.log.Warnf("re-scan after init failed: %v", err)
		}
	}
	return nil
}

// Pair runs the two-step pairing handshake. A cryptogram mismatch means the
// password is wrong, and surfaces as ErrInvalidCryptogram rather than a
// transport error.
func (cs *CommandSet) Pair(password string) error {
	if err := cs.requireInitialized(); err != nil {
		return err
	}

	token := DerivePairingToken(password)
	challenge, err := newPairingChallenge(token)
	if err != nil {
		return err
	}

	resp, err := cs.c.Send(newCommandPairFirstStep(challenge.challenge))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}
	if len(resp.Data) < 2*pairingChallengeLength {
		return fmt.Errorf("keycard: pairing step 1 returned %d bytes, need %d", len(resp.Data), 2*pairingChallengeLength)
	}

	cardCryptogram := resp.Data[:pairingChallengeLength]
	cardChallenge := resp.Data[pairingChallengeLength : 2*pairingChallengeLength]

	if !challenge.verifyCard(cardCryptogram) {
		return ErrInvalidCryptogram
	}

	resp, err = cs.c.Send(newCommandPairFinalStep(challenge.answer(cardChallenge)))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}
	if len(resp.Data) < 1+pairingChallengeLength {
		return fmt.Errorf("keycard: pairing step 2 returned %d bytes", len(resp.Data))
	}

	cs.pairing = &PairingInfo{
		Key:   pairingKey(token, resp.Data[1:1+pairingChallengeLength]),
		Index: int(resp.Data[0]),
	}

	cs.log.Infof("paired on slot %d", cs.pairing.Index)
	return nil
}

// EnsurePairing makes pairing credentials available: cached, loaded from
// storage, or established fresh with a password from the provider. A card
// that is not initialized cannot be paired.
func (cs *CommandSet) EnsurePairing() error {
	if cs.pairing.Valid() {
		return nil
	}

	cardID := cs.CardID()
	if cs.storage != nil && cardID != "" {
		if p := cs.storage.Load(cardID); p.Valid() {
			cs.pairing = p
			return nil
		}
	}

	if cs.info == nil || !cs.info.Initialized || cs.passwords == nil {
		return ErrNoPairing
	}

	password := cs.passwords(cardID)
	if password == "" {
		return ErrNoPairing
	}

	if err := cs.Pair(password); err != nil {
		return err
	}

	if cs.storage != nil {
		if !cs.storage.Save(cardID, cs.pairing) {
			cs.log.Warnf("pairing for card %s could not be persisted", cardID)
		}
	}
	return nil
}

// Unpair releases a pairing slot on the card. Releasing our own slot also
// forgets the local credentials.
func (cs *CommandSet) Unpair(index uint8) error {
	resp, err := cs.Send(newCommandUnpair(index), true)
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}

	if cs.pairing != nil && cs.pairing.Index == int(index) {
		cs.pairing = nil
		if cs.storage != nil {
			cs.storage.Remove(cs.CardID())
		}
	}
	return nil
}

// OpenSecureChannel performs key agreement and mutual authentication, then
// caches the application status.
//
// Session keys are the two halves of SHA-512(ecdhSecret ‖ pairingKey ‖ salt)
// where salt is the card's challenge from the OPEN SECURE CHANNEL response;
// the response also carries the initial IV.
func (cs *CommandSet) OpenSecureChannel() error {
	if !cs.pairing.Valid() {
		return ErrNoPairing
	}
	if cs.sc.Secret() == nil {
		return securechannel.ErrNoSecret
	}

	resp, err := cs.c.Send(newCommandOpenSecureChannel(uint8(cs.pairing.Index), cs.sc.RawPublicKey()))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}
	if len(resp.Data) < pairingChallengeLength+securechannel.BlockSize {
		return fmt.Errorf("keycard: open secure channel returned %d bytes", len(resp.Data))
	}

	salt := resp.Data[:pairingChallengeLength]
	iv := resp.Data[pairingChallengeLength : pairingChallengeLength+securechannel.BlockSize]

	h := sha512.New()
	h.Write(cs.sc.Secret())
	h.Write(cs.pairing.Key)
	h.Write(salt)
	sessionKeys := h.Sum(nil)

	cs.sc.Init(iv, sessionKeys[:securechannel.KeyLength], sessionKeys[securechannel.KeyLength:])
	cs.scDirty = false

	if err := cs.mutuallyAuthenticate(); err != nil {
		cs.sc.Reset()
		return err
	}

	// Refresh the status cache while the channel is known-good.
	if status, err := cs.GetStatus(); err == nil {
		cs.status = status
	}

	cs.log.Debugf("secure channel open on slot %d", cs.pairing.Index)
	return nil
}

func (cs *CommandSet) mutuallyAuthenticate() error {
	challenge := make([]byte, mutualAuthChallengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("keycard: challenge generation failed: %w", err)
	}

	resp, err := cs.sc.Send(newCommandMutuallyAuthenticate(challenge))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("keycard: mutual authentication failed: %w", resp.Err())
	}
	return nil
}

// EnsureSecureChannel guarantees an open, authenticated-as-before channel.
// If the session was marked dirty by a physical interruption it is torn down
// and reopened, and a previously verified PIN is replayed. The replay clears
// the cache first so a wrong cached PIN cannot loop.
func (cs *CommandSet) EnsureSecureChannel() error {
	if cs.scDirty {
		cs.sc.Reset()
		cs.scDirty = false
	}
	if cs.sc.IsOpen() || cs.reopening {
		return nil
	}

	cs.reopening = true
	defer func() { cs.reopening = false }()

	if err := cs.Select(false); err != nil {
		return err
	}
	if err := cs.EnsurePairing(); err != nil {
		return err
	}
	if err := cs.OpenSecureChannel(); err != nil {
		return err
	}

	if cs.authenticated {
		pin := cs.cachedPIN
		cs.cachedPIN = ""
		cs.authenticated = false

		if pin != "" {
			if err := cs.VerifyPIN(pin); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResetSecureChannel marks the session lost. Re-establishment happens lazily
// on the next secure command, keeping pairing and the authentication flag.
func (cs *CommandSet) ResetSecureChannel() {
	cs.scDirty = true
}

// ReestablishSecureChannel reopens the channel immediately instead of
// waiting for the next secure command.
func (cs *CommandSet) ReestablishSecureChannel() error {
	cs.scDirty = true
	return cs.EnsureSecureChannel()
}

// Send is the single dispatch point for card commands. Precondition failures
// yield a synthetic conditions-not-satisfied response so callers always see a
// status-word shaped result. A security-condition rejection on a secure
// command triggers one automatic channel re-establishment before giving up.
func (cs *CommandSet) Send(cmd *apdu.Command, secure bool) (*apdu.Response, error) {
	if cs.t != nil && !cs.t.IsConnected() {
		return apdu.NewResponse(apdu.SwConditionsNotSatisfied, nil), nil
	}

	if !secure {
		return cs.c.Send(cmd)
	}

	if err := cs.EnsureSecureChannel(); err != nil {
		cs.log.Warnf("secure channel unavailable: %v", err)
		return apdu.NewResponse(apdu.SwConditionsNotSatisfied, nil), nil
	}

	resp, err := cs.sc.Send(cmd)
	if err != nil {
		if errors.Is(err, securechannel.ErrInvalidResponseMAC) {
			cs.scDirty = true
		}
		return nil, err
	}

	if resp.Sw == apdu.SwSecurityConditionNotSatisfied {
		cs.log.Debugf("security condition rejected, re-establishing channel")
		if err := cs.ReestablishSecureChannel(); err != nil {
			return resp, nil
		}
		return cs.sc.Send(cmd)
	}
	return resp, nil
}

// VerifyPIN authenticates the session. A wrong PIN surfaces as WrongPINError
// with the card's remaining-attempts counter and updates the cached status.
func (cs *CommandSet) VerifyPIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return fmt.Errorf("keycard: PIN must be %d digits", pinLength)
	}

	resp, err := cs.Send(newCommandVerifyPIN(pin), true)
	if err != nil {
		return err
	}

	if err := cs.checkVerification(resp, secretPIN); err != nil {
		cs.authenticated = false
		return err
	}

	cs.authenticated = true
	cs.cachedPIN = pin
	if cs.status != nil {
		cs.status.PinRetryCount = maxPINRetries
	}
	return nil
}

// ChangePIN replaces the PIN. Requires an authenticated session.
func (cs *CommandSet) ChangePIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return fmt.Errorf("keycard: PIN must be %d digits", pinLength)
	}

	if err := cs.checkOK(cs.Send(newCommandChangeSecret(P1ChangePIN, []byte(pin)), true)); err != nil {
		return err
	}

	if cs.authenticated {
		cs.cachedPIN = pin
	}
	return nil
}

// ChangePUK replaces the PUK. Requires an authenticated session.
func (cs *CommandSet) ChangePUK(puk string) error {
	if !pukPattern.MatchString(puk) {
		return fmt.Errorf("keycard: PUK must be %d digits", pukLength)
	}
	return cs.checkOK(cs.Send(newCommandChangeSecret(P1ChangePUK, []byte(puk)), true))
}

// ChangePairingSecret replaces the pairing password. Existing pairings stay
// valid; only future PAIR handshakes use the new secret.
func (cs *CommandSet) ChangePairingSecret(password string) error {
	if password == "" {
		return errors.New("keycard: pairing password must not be empty")
	}
	return cs.checkOK(cs.Send(newCommandChangeSecret(P1ChangePairingSecret, DerivePairingToken(password)), true))
}

// UnblockPIN resets a blocked PIN using the PUK. A wrong PUK surfaces as
// WrongPUKError and decrements only the PUK counter.
func (cs *CommandSet) UnblockPIN(puk, newPIN string) error {
	if !pukPattern.MatchString(puk) {
		return fmt.Errorf("keycard: PUK must be %d digits", pukLength)
	}
	if !pinPattern.MatchString(newPIN) {
		return fmt.Errorf("keycard: PIN must be %d digits", pinLength)
	}

	resp, err := cs.Send(newCommandUnblockPIN(puk, newPIN), true)
	if err != nil {
		return err
	}
	if err := cs.checkVerification(resp, secretPUK); err != nil {
		return err
	}

	cs.authenticated = true
	cs.cachedPIN = newPIN
	if cs.status != nil {
		cs.status.PinRetryCount = maxPINRetries
		cs.status.PUKRetryCount = maxPUKRetries
	}
	return nil
}

// GetStatus fetches and returns the application status.
func (cs *CommandSet) GetStatus() (*ApplicationStatus, error) {
	resp, err := cs.Send(newCommandGetStatus(p1GetStatusApplication), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}

	status, err := ParseApplicationStatus(resp.Data)
	if err != nil {
		return nil, err
	}

	cs.status = status
	return status, nil
}

// CurrentPath returns the card's active derivation path.
func (cs *CommandSet) CurrentPath() ([]uint32, error) {
	resp, err := cs.Send(newCommandGetStatus(p1GetStatusKeyPath), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return derivation.Decode(resp.Data)
}

// GenerateKey creates a new random master key on the card and returns its
// key UID.
func (cs *CommandSet) GenerateKey() ([]byte, error) {
	resp, err := cs.Send(newCommandGenerateKey(), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return resp.Data, nil
}

// GenerateMnemonic asks the card for BIP39 word indexes. checksumSize selects
// the mnemonic length (4 gives 12 words, 8 gives 24).
func (cs *CommandSet) GenerateMnemonic(checksumSize uint8) ([]int, error) {
	if checksumSize < 4 || checksumSize > 8 {
		return nil, fmt.Errorf("keycard: checksum size %d out of range 4..8", checksumSize)
	}

	resp, err := cs.Send(newCommandGenerateMnemonic(checksumSize), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	if len(resp.Data)%2 != 0 {
		return nil, fmt.Errorf("keycard: mnemonic response of %d bytes is not a sequence of 16-bit indexes", len(resp.Data))
	}

	indexes := make([]int, 0, len(resp.Data)/2)
	for i := 0; i < len(resp.Data); i += 2 {
		indexes = append(indexes, int(binary.BigEndian.Uint16(resp.Data[i:i+2])))
	}
	return indexes, nil
}

// LoadSeed installs a 64-byte BIP39 seed as the master key and returns the
// resulting key UID.
func (cs *CommandSet) LoadSeed(seed []byte) ([]byte, error) {
	if len(seed) != seedLength {
		return nil, fmt.Errorf("keycard: seed must be %d bytes, got %d", seedLength, len(seed))
	}

	resp, err := cs.Send(newCommandLoadSeed(seed), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return resp.Data, nil
}

// RemoveKey deletes the master key from the card.
func (cs *CommandSet) RemoveKey() error {
	return cs.checkOK(cs.Send(newCommandRemoveKey(), true))
}

// DeriveKey makes the key at path the card's active key.
func (cs *CommandSet) DeriveKey(path string) error {
	start, components, err := derivation.Parse(path)
	if err != nil {
		return err
	}
	return cs.checkOK(cs.Send(newCommandDeriveKey(start, components), true))
}

// Sign signs a 32-byte hash with the active key.
func (cs *CommandSet) Sign(hash []byte) (*Signature, error) {
	return cs.sign(hash, P1SignCurrentKey, nil)
}

// SignWithPath signs with the key at path without changing the active key.
func (cs *CommandSet) SignWithPath(hash []byte, path string) (*Signature, error) {
	return cs.signWithPath(hash, path, P1SignDerive)
}

// SignWithPathAndMakeCurrent signs with the key at path and leaves it active.
func (cs *CommandSet) SignWithPathAndMakeCurrent(hash []byte, path string) (*Signature, error) {
	return cs.signWithPath(hash, path, P1SignDeriveAndMakeCurrent)
}

func (cs *CommandSet) signWithPath(hash []byte, path string, p1 uint8) (*Signature, error) {
	start, components, err := derivation.Parse(path)
	if err != nil {
		return nil, err
	}
	if start != derivation.StartingPointMaster {
		return nil, fmt.Errorf("keycard: signing path %q must be absolute", path)
	}
	return cs.sign(hash, p1, components)
}

func (cs *CommandSet) sign(hash []byte, p1 uint8, path []uint32) (*Signature, error) {
	if len(hash) != hashLength {
		return nil, fmt.Errorf("keycard: hash must be %d bytes, got %d", hashLength, len(hash))
	}

	resp, err := cs.Send(newCommandSign(hash, p1, path), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return ParseSignature(hash, resp.Data)
}

// SetPinlessPath marks one absolute derivation path as usable for signing
// without PIN verification. An empty path clears it.
func (cs *CommandSet) SetPinlessPath(path string) error {
	var components []uint32

	if path != "" {
		start, parsed, err := derivation.Parse(path)
		if err != nil {
			return err
		}
		if start != derivation.StartingPointMaster {
			return fmt.Errorf("keycard: pinless path %q must be absolute", path)
		}
		components = parsed
	}

	return cs.checkOK(cs.Send(newCommandSetPinlessPath(components), true))
}

// ExportKey exports key material for the given path. p1 selects current or
// derived key, p2 how much material leaves the card (the card refuses to
// export private keys outside its whitelisted paths).
func (cs *CommandSet) ExportKey(p1, p2 uint8, path string) (*ExportedKey, error) {
	var components []uint32

	if p1 != P1ExportKeyCurrent {
		start, parsed, err := derivation.Parse(path)
		if err != nil {
			return nil, err
		}
		if start != derivation.StartingPointMaster {
			return nil, fmt.Errorf("keycard: export path %q must be absolute", path)
		}
		components = parsed
	}

	resp, err := cs.Send(newCommandExportKey(p1, p2, components), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return ParseExportedKey(resp.Data)
}

// StoreData writes one of the card's data slots (public, NDEF or cash).
func (cs *CommandSet) StoreData(slot uint8, data []byte) error {
	return cs.checkOK(cs.Send(newCommandStoreData(slot, data), true))
}

// StoreMetadata writes wallet metadata into the public data slot.
func (cs *CommandSet) StoreMetadata(m *metadata.Metadata) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	return cs.StoreData(P1StoreDataPublic, data)
}

// GetMetadata reads and decodes the wallet metadata from the public data
// slot. A card without metadata yields a nil result.
func (cs *CommandSet) GetMetadata() (*metadata.Metadata, error) {
	data, err := cs.GetData(P1StoreDataPublic)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return metadata.Parse(data)
}

// GetData reads one of the card's data slots.
func (cs *CommandSet) GetData(slot uint8) ([]byte, error) {
	resp, err := cs.Send(newCommandGetData(slot), true)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return resp.Data, nil
}

// Identify asks the card to sign a fresh challenge with its factory identity
// key and returns the raw certificate-and-signature payload.
func (cs *CommandSet) Identify() ([]byte, error) {
	challenge := make([]byte, hashLength)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("keycard: challenge generation failed: %w", err)
	}

	resp, err := cs.Send(newCommandIdentify(challenge), false)
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, resp.Err()
	}
	return resp.Data, nil
}

// FactoryReset wipes the card back to its pre-initialized state, drops all
// local session state and asks the transport to re-scan.
func (cs *CommandSet) FactoryReset() error {
	resp, err := cs.c.Send(newCommandFactoryReset())
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}

	cs.wipeSession()
	cs.info = nil

	if cs.t != nil {
		if err := cs.t.ForceScan(); err != nil {
			cs.log.Warnf("re-scan after factory reset failed: %v", err)
		}
	}
	return nil
}

// GenericCommand transmits an arbitrary applet command, optionally through
// the secure channel.
func (cs *CommandSet) GenericCommand(cla, ins, p1, p2 uint8, data []byte, secure bool) (*apdu.Response, error) {
	return cs.Send(apdu.NewCommand(cla, ins, p1, p2, data), secure)
}

// InitializeSession runs the fixed connect sequence for a freshly detected
// card: select, ensure pairing, open secure channel (which authenticates and
// caches status). A pre-initialized card stops after select.
func (cs *CommandSet) InitializeSession() error {
	if err := cs.Select(true); err != nil {
		return err
	}
	if !cs.info.Initialized {
		return nil
	}
	if err := cs.EnsurePairing(); err != nil {
		return err
	}
	return cs.OpenSecureChannel()
}

// CloseSession drops the card-bound session state when the card goes away,
// keeping pairing credentials so the same card reconnects cheaply.
func (cs *CommandSet) CloseSession() {
	cs.sc.Reset()
	cs.scDirty = false
	cs.status = nil
	cs.info = nil
}

func (cs *CommandSet) requireInitialized() error {
	if err := cs.Select(false); err != nil {
		return err
	}
	if !cs.info.Installed {
		return ErrNotInstalled
	}
	if !cs.info.Initialized {
		return ErrNotInitialized
	}
	return nil
}

// checkVerification maps a 63Cx status word onto the right typed error for
// the secret that was just presented, updating the cached retry counters.
func (cs *CommandSet) checkVerification(resp *apdu.Response, secret lastSecret) error {
	if resp.IsOK() {
		return nil
	}

	if remaining := resp.Sw.RemainingAttempts(); remaining >= 0 {
		switch secret {
		case secretPIN:
			if cs.status != nil {
				cs.status.PinRetryCount = remaining
			}
			return &WrongPINError{RemainingAttempts: remaining}
		case secretPUK:
			if cs.status != nil {
				cs.status.PUKRetryCount = remaining
			}
			return &WrongPUKError{RemainingAttempts: remaining}
		}
	}
	return resp.Err()
}

func (cs *CommandSet) checkOK(resp *apdu.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return resp.Err()
	}
	return nil
}

func (cs *CommandSet) instanceChanged(next *ApplicationInfo) bool {
	if cs.info == nil || next == nil {
		return false
	}
	if len(cs.info.InstanceUID) == 0 || len(next.InstanceUID) == 0 {
		return false
	}
	return !bytes.Equal(cs.info.InstanceUID, next.InstanceUID)
}

// wipeSession forgets everything tied to the previous physical card.
func (cs *CommandSet) wipeSession() {
	cs.sc.Close()
	if err := cs.sc.GenerateKeyPair(); err != nil {
		cs.log.Errorf("ephemeral key rotation failed: %v", err)
	}
	cs.scDirty = false
	cs.pairing = nil
	cs.status = nil
	cs.cachedPIN = ""
	cs.authenticated = false
}
