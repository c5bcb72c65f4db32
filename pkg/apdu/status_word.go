package apdu

import (
	"fmt"

	"github.com/cardforge/keycard/pkg/bits"
)

// Status Word (SW1-SW2) logic according to ISO/IEC 7816-4.
//
// Most status words are static two-byte values (0x9000 for success), but the
// '63CX' range is dynamic: when the upper nibble of SW2 is 'C', the lower
// nibble carries a counter. Keycard uses it to report the remaining PIN/PUK
// verification attempts after a failed VERIFY or UNBLOCK.

// StatusWord represents the two-byte status response returned by the card.
type StatusWord uint16

// NewStatusWord creates a StatusWord instance from two separate bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// Status words the Keycard applet and the GlobalPlatform ISD report.
const (
	SwOK StatusWord = 0x9000

	// SwTruncated is a local sentinel for replies shorter than 2 bytes.
	// It is never produced by a card.
	SwTruncated StatusWord = 0x0000

	SwSecurityConditionNotSatisfied StatusWord = 0x6982
	SwAuthenticationMethodBlocked   StatusWord = 0x6983
	SwDataInvalid                   StatusWord = 0x6984
	SwConditionsNotSatisfied        StatusWord = 0x6985

	SwIncorrectParameters StatusWord = 0x6A80
	SwFileNotFound        StatusWord = 0x6A82
	SwNoAvailableSlots    StatusWord = 0x6A84
	SwIncorrectP1P2       StatusWord = 0x6A86
	SwReferenceNotFound   StatusWord = 0x6A88

	SwWrongLength         StatusWord = 0x6700
	SwInsNotSupported     StatusWord = 0x6D00
	SwClassNotSupported   StatusWord = 0x6E00
	SwWrongPINMask        StatusWord = 0x63C0
	SwResponseDataPending StatusWord = 0x6100
)

// SW1 returns the first byte (high byte) of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the second byte (low byte) of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsOK reports whether the command was processed successfully.
func (sw StatusWord) IsOK() bool {
	return sw == SwOK
}

// HasMoreData reports a 61XX status: the card holds SW2 more response bytes
// that must be fetched with GET RESPONSE.
func (sw StatusWord) HasMoreData() bool {
	return sw.SW1() == 0x61
}

// IsWrongVerification reports a 63CX status: a failed PIN or PUK
// verification. The remaining attempts are carried in the low nibble.
// Whether this refers to the PIN or the PUK depends on which command was
// sent, not on the status word itself.
func (sw StatusWord) IsWrongVerification() bool {
	if sw.SW1() != 0x63 {
		return false
	}
	return bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// RemainingAttempts extracts the retry counter from a 63CX status word.
// Returns -1 when the status word does not carry a counter.
func (sw StatusWord) RemainingAttempts() int {
	if !sw.IsWrongVerification() {
		return -1
	}
	return int(bits.GetRange(sw.SW2(), 4, 1))
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	if sw.IsWrongVerification() {
		return fmt.Sprintf("[%04X] wrong PIN/PUK, %d attempts remaining", uint16(sw), sw.RemainingAttempts())
	}

	if sw.HasMoreData() {
		return fmt.Sprintf("[%04X] %d response bytes available", uint16(sw), sw.SW2())
	}

	desc := "unknown status"

	switch sw {
	case SwOK:
		desc = "OK"
	case SwTruncated:
		desc = "truncated response"
	case SwSecurityConditionNotSatisfied:
		desc = "security condition not satisfied"
	case SwAuthenticationMethodBlocked:
		desc = "authentication method blocked"
	case SwDataInvalid:
		desc = "data invalid"
	case SwConditionsNotSatisfied:
		desc = "conditions of use not satisfied"
	case SwIncorrectParameters:
		desc = "incorrect parameters in data field"
	case SwFileNotFound:
		desc = "applet not found"
	case SwNoAvailableSlots:
		desc = "no available pairing slots"
	case SwIncorrectP1P2:
		desc = "incorrect P1/P2"
	case SwReferenceNotFound:
		desc = "referenced data not found"
	case SwWrongLength:
		desc = "wrong length"
	case SwInsNotSupported:
		desc = "instruction not supported"
	case SwClassNotSupported:
		desc = "class not supported"
	}

	return fmt.Sprintf("[%04X] %s", uint16(sw), desc)
}
