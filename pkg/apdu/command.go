package apdu

import (
	"bytes"
	"fmt"
)

// COMMAND APDU (C-APDU) encoding according to ISO/IEC 7816-3 and 7816-4.
//
// A command consists of a mandatory Header (4 bytes) and an optional Body:
//
//   - CLA (Class): Security, Chaining, Logical Channel.
//   - INS (Instruction): The specific command to execute.
//   - P1, P2 (Parameters): Command modifiers.
//   - Lc (Length Command): Number of bytes in the data field.
//   - Data: The command payload.
//   - Le (Length Expected): Maximum number of bytes expected in the response.
//
// LENGTH MODES:
//   - Short Length: Lc encoded on 1 byte (max 255).
//   - Extended Length: 0x00 flag byte followed by Lc on 2 bytes (big endian).
//     Extended mode is used only when the payload exceeds 255 bytes.

// MaxShortLc is the maximum data length encodable in Short Length mode.
const MaxShortLc = 255

// Command represents a command frame sent to the card.
type Command struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte

	requiresLe bool
	le         byte
}

// NewCommand creates a command frame without an expected-length byte.
func NewCommand(cla, ins, p1, p2 byte, data []byte) *Command {
	return &Command{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
	}
}

// SetLe marks the command as expecting a response of le bytes.
func (c *Command) SetLe(le byte) {
	c.requiresLe = true
	c.le = le
}

// Le returns the expected-length byte and whether it is present.
func (c *Command) Le() (byte, bool) {
	return c.le, c.requiresLe
}

// Serialize encodes the command into its byte representation.
// Short-form Lc is used for payloads up to 255 bytes, the three-byte
// extended form (0x00, LcHi, LcLo) otherwise.
func (c *Command) Serialize() ([]byte, error) {
	nc := len(c.Data)
	if nc > 0xFFFF {
		return nil, fmt.Errorf("payload of %d bytes exceeds the extended length limit", nc)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(c.Cla)
	buf.WriteByte(c.Ins)
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	if nc > 0 {
		if nc <= MaxShortLc {
			buf.WriteByte(byte(nc))
		} else {
			buf.WriteByte(0x00)
			buf.WriteByte(byte(nc >> 8))
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if c.requiresLe {
		buf.WriteByte(c.le)
	}

	return buf.Bytes(), nil
}

// String returns a readable representation of the command meta-data.
// The data field is deliberately omitted: it may carry secrets.
func (c *Command) String() string {
	return fmt.Sprintf("CLA: %02X | INS: %02X | P1: %02X, P2: %02X | Lc: %d",
		c.Cla, c.Ins, c.P1, c.P2, len(c.Data))
}
