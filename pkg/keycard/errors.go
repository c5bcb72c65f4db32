package keycard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled is returned when SELECT cannot find the Keycard applet.
	ErrNotInstalled = errors.New("keycard: applet not installed")

	// ErrNotInitialized is returned by operations that require an initialized
	// card (pairing, secure channel) on a factory-fresh one.
	ErrNotInitialized = errors.New("keycard: applet not initialized")

	// ErrAlreadyInitialized is returned by Init on an initialized card.
	ErrAlreadyInitialized = errors.New("keycard: applet already initialized")

	// ErrNoPairing is returned when an operation needs pairing credentials
	// and none are cached, stored or obtainable.
	ErrNoPairing = errors.New("keycard: no valid pairing")

	// ErrInvalidCryptogram is returned when the card's pairing cryptogram
	// does not match: the pairing password is wrong. This is a terminal
	// failure for the attempt, not a transport error.
	ErrInvalidCryptogram = errors.New("keycard: invalid cryptogram (wrong pairing password)")

	// ErrNoCard is returned when the transport reports no reachable card.
	ErrNoCard = errors.New("keycard: no card available")
)

// WrongPINError reports a failed PIN verification together with the retry
// counter the card embedded in the status word.
type WrongPINError struct {
	RemainingAttempts int
}

func (e *WrongPINError) Error() string {
	return fmt.Sprintf("keycard: wrong PIN, %d attempts remaining", e.RemainingAttempts)
}

// WrongPUKError reports a failed PUK verification. The bit pattern on the
// wire is identical to a wrong PIN; the distinction comes from which command
// was sent.
type WrongPUKError struct {
	RemainingAttempts int
}

func (e *WrongPUKError) Error() string {
	return fmt.Sprintf("keycard: wrong PUK, %d attempts remaining", e.RemainingAttempts)
}
