// Package tlv provides helpers for the BER-TLV (Tag-Length-Value) structures
// the Keycard applet uses for all structured responses. Decoding is delegated
// to github.com/moov-io/bertlv; this package adds tag lookup across nested
// templates and primitive encoding with short-form and 1/2-byte long-form
// lengths.
package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// ErrTagNotFound is returned when a requested tag is absent from the data.
var ErrTagNotFound = fmt.Errorf("tlv: tag not found")

// Parse decodes raw BER-TLV data into a packet list. A length field that
// overruns the remaining buffer is a parse failure, never a panic.
func Parse(data []byte) ([]bertlv.TLV, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("tlv: decode failed: %w", err)
	}
	return packets, nil
}

// FindTag decodes data and descends along the given tag path, returning the
// value of the final tag. Each path element selects the first occurrence of
// that tag at its nesting level.
func FindTag(data []byte, tags ...string) ([]byte, error) {
	packets, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return findTagIn(packets, tags...)
}

// FindTagN behaves like FindTag but selects the occurrence-th match of the
// final tag, for templates that repeat a tag (the Keycard SELECT response
// carries both version and pairing slots under tag 02).
func FindTagN(data []byte, occurrence int, tags ...string) ([]byte, error) {
	packets, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if len(tags) > 1 {
		parent, err := findPacket(packets, tags[:len(tags)-1]...)
		if err != nil {
			return nil, err
		}
		packets = parent.TLVs
		if len(packets) == 0 {
			if packets, err = Parse(parent.Value); err != nil {
				return nil, err
			}
		}
	}

	last := tags[len(tags)-1]
	seen := 0
	for _, p := range packets {
		if tagEqual(p.Tag, last) {
			if seen == occurrence {
				return packetValue(p), nil
			}
			seen++
		}
	}
	return nil, fmt.Errorf("%w: %s occurrence %d", ErrTagNotFound, last, occurrence)
}

func findTagIn(packets []bertlv.TLV, tags ...string) ([]byte, error) {
	p, err := findPacket(packets, tags...)
	if err != nil {
		return nil, err
	}
	return packetValue(*p), nil
}

func findPacket(packets []bertlv.TLV, tags ...string) (*bertlv.TLV, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("tlv: empty tag path")
	}

	target := tags[0]
	for i := range packets {
		if !tagEqual(packets[i].Tag, target) {
			continue
		}
		if len(tags) == 1 {
			return &packets[i], nil
		}

		children := packets[i].TLVs
		if len(children) == 0 {
			// Primitive shell around nested data: re-decode the value.
			decoded, err := Parse(packets[i].Value)
			if err != nil {
				return nil, err
			}
			children = decoded
		}
		return findPacket(children, tags[1:]...)
	}

	return nil, fmt.Errorf("%w: %s", ErrTagNotFound, target)
}

func packetValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

func tagEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Encode wraps value in a primitive TLV entry with the given tag bytes.
// Lengths below 0x80 use the short form, larger ones the 0x81/0x82 long
// forms.
func Encode(tag []byte, value []byte) []byte {
	out := make([]byte, 0, len(tag)+3+len(value))
	out = append(out, tag...)
	out = appendLength(out, len(value))
	return append(out, value...)
}

func appendLength(out []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(out, byte(n))
	case n <= 0xFF:
		return append(out, 0x81, byte(n))
	default:
		return append(out, 0x82, byte(n>>8), byte(n))
	}
}

// TagString renders tag bytes the way bertlv exposes them (upper-case hex).
func TagString(tag []byte) string {
	return strings.ToUpper(hex.EncodeToString(tag))
}
