package keycard

// PairingInfo is the long-lived credential a successful pairing produces:
// a 32-byte pairing key and the slot index the card assigned.
type PairingInfo struct {
	Key   []byte
	Index int
}

// Valid reports whether the pairing can be used to open a secure channel.
func (p *PairingInfo) Valid() bool {
	return p != nil && len(p.Key) > 0 && p.Index >= 0
}

// PairingStorage persists pairing material across sessions, keyed by the
// card instance UID. Implementations live outside this module (disk,
// keychain, ...); tests use an in-memory fake.
type PairingStorage interface {
	// Load returns the stored pairing for a card, or nil when none exists.
	Load(cardID string) *PairingInfo

	// Save stores the pairing, reporting whether persisting succeeded.
	Save(cardID string, pairing *PairingInfo) bool

	// Remove forgets the pairing for a card.
	Remove(cardID string) bool
}

// PasswordProvider supplies the pairing password for a card when no stored
// pairing exists. Returning the empty string declines the pairing.
type PasswordProvider func(cardID string) string
