package main

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/ebfe/scard"

	"github.com/cardforge/keycard/pkg/keycard"
	"github.com/cardforge/keycard/pkg/transport/pcsc"
)

// defaultPairingPassword is the password factory-fresh Keycards ship with.
const defaultPairingPassword = "KeycardDefaultPairing"

func main() {
	// --- 1. Hardware Setup ---
	ctx, card := connectToCard()

	defer func() {
		if err := ctx.Release(); err != nil {
			log.Printf("Warning: Failed to release context: %v", err)
		}
	}()

	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Printf("Warning: Failed to disconnect card: %v", err)
		}
	}()

	// --- 2. Logic Setup ---
	cs, err := keycard.NewCommandSet(pcsc.New(card), nil)
	if err != nil {
		log.Fatalf("Error building command set: %s", err)
	}
	cs.SetPairingStorage(newMemoryStorage())
	cs.SetPasswordProvider(func(cardID string) string {
		fmt.Printf(">> Pairing card %s with the default password\n", cardID)
		return defaultPairingPassword
	})

	// --- 3. Execution Flow ---

	info, err := step1SelectApplet(cs)
	if err != nil {
		log.Fatalf("Step 1 failed: %v", err)
	}

	if !info.Initialized {
		fmt.Println("\n>> Card is not initialized; stopping here.")
		fmt.Println(">> Run INIT with a PIN, PUK and pairing password to personalize it.")
		return
	}

	if err := step2OpenSession(cs); err != nil {
		log.Fatalf("Step 2 failed: %v", err)
	}

	step3ShowStatus(cs)

	fmt.Println("\n>> Demo Finished Successfully")
}

// connectToCard handles the PC/SC context establishment and reader connection.
func connectToCard() (*scard.Context, *scard.Card) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("Error establishing context: %s", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatal("No smart card reader found.")
	}

	fmt.Printf(">> Using reader: %s\n", readers[0])

	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatalf("Error connecting to card: %s", err)
	}

	return ctx, card
}

// step1SelectApplet selects the wallet applet and describes the card.
func step1SelectApplet(cs *keycard.CommandSet) (*keycard.ApplicationInfo, error) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 1: SELECT WALLET APPLET")
	fmt.Println("=============================================")

	if err := cs.Select(false); err != nil {
		return nil, err
	}

	info := cs.ApplicationInfo()
	fmt.Printf("   Applet version:  %s\n", info.VersionString())
	fmt.Printf("   Instance UID:    %s\n", hex.EncodeToString(info.InstanceUID))
	fmt.Printf("   Initialized:     %v\n", info.Initialized)
	fmt.Printf("   Pairing slots:   %d\n", info.AvailableSlots)
	fmt.Printf("   Has master key:  %v\n", info.HasMasterKey())

	return info, nil
}

// step2OpenSession pairs if needed and opens the encrypted session.
func step2OpenSession(cs *keycard.CommandSet) error {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 2: PAIR AND OPEN SECURE CHANNEL")
	fmt.Println("=============================================")

	if err := cs.EnsurePairing(); err != nil {
		return err
	}
	fmt.Printf("   Paired on slot %d\n", cs.Pairing().Index)

	if err := cs.OpenSecureChannel(); err != nil {
		return err
	}
	fmt.Println("   Secure channel established")

	return nil
}

// step3ShowStatus prints the card status fetched through the secure channel.
func step3ShowStatus(cs *keycard.CommandSet) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 3: APPLICATION STATUS")
	fmt.Println("=============================================")

	status, err := cs.GetStatus()
	if err != nil {
		log.Printf("(!) Status query failed: %v", err)
		return
	}

	fmt.Printf("   PIN retries left: %d\n", status.PinRetryCount)
	fmt.Printf("   PUK retries left: %d\n", status.PUKRetryCount)
	fmt.Printf("   Key initialized:  %v\n", status.KeyInitialized)

	if path, err := cs.CurrentPath(); err == nil && len(path) > 0 {
		fmt.Printf("   Active key path:  %v\n", path)
	}
}

// memoryStorage keeps pairings for the lifetime of the process. Real hosts
// persist them to disk so cards reconnect without re-pairing.
type memoryStorage struct {
	pairings map[string]*keycard.PairingInfo
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{pairings: map[string]*keycard.PairingInfo{}}
}

func (s *memoryStorage) Load(cardID string) *keycard.PairingInfo {
	return s.pairings[cardID]
}

func (s *memoryStorage) Save(cardID string, pairing *keycard.PairingInfo) bool {
	s.pairings[cardID] = pairing
	return true
}

func (s *memoryStorage) Remove(cardID string) bool {
	delete(s.pairings, cardID)
	return true
}
