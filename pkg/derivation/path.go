// Package derivation parses BIP32-style key derivation paths as the Keycard
// DERIVE KEY and EXPORT KEY commands expect them.
//
// A path is a slash-separated list of component indices with an optional
// starting point prefix:
//
//	m/44'/60'/0'/0/0    absolute, from the master key
//	../0/1              relative to the parent of the current key
//	./0/1  or  0/1      relative to the current key
//
// A component suffixed with ' or h sets the hardened bit (0x80000000).
// Components are transmitted as big-endian 32-bit integers.
package derivation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// HardenedBit marks a hardened path component.
const HardenedBit uint32 = 0x80000000

// StartingPoint indicates where on the key tree a path starts.
type StartingPoint byte

// Starting point P1 values as the DERIVE KEY command encodes them.
const (
	StartingPointMaster  StartingPoint = 0x00
	StartingPointParent  StartingPoint = 0x40
	StartingPointCurrent StartingPoint = 0x80
)

func (s StartingPoint) String() string {
	switch s {
	case StartingPointMaster:
		return "master"
	case StartingPointParent:
		return "parent"
	case StartingPointCurrent:
		return "current"
	default:
		return fmt.Sprintf("unknown (0x%02X)", byte(s))
	}
}

// Parse splits a textual path into its starting point and component indices.
func Parse(path string) (StartingPoint, []uint32, error) {
	start := StartingPointCurrent
	rest := path

	switch {
	case path == "m" || strings.HasPrefix(path, "m/"):
		start = StartingPointMaster
		rest = strings.TrimPrefix(strings.TrimPrefix(path, "m"), "/")
	case path == ".." || strings.HasPrefix(path, "../"):
		start = StartingPointParent
		rest = strings.TrimPrefix(strings.TrimPrefix(path, ".."), "/")
	case path == "." || strings.HasPrefix(path, "./"):
		rest = strings.TrimPrefix(strings.TrimPrefix(path, "."), "/")
	}

	if rest == "" {
		return start, nil, nil
	}

	segments := strings.Split(rest, "/")
	components := make([]uint32, 0, len(segments))

	for _, seg := range segments {
		component, err := parseComponent(seg)
		if err != nil {
			return 0, nil, fmt.Errorf("derivation: invalid path %q: %w", path, err)
		}
		components = append(components, component)
	}

	return start, components, nil
}

func parseComponent(seg string) (uint32, error) {
	if seg == "" {
		return 0, fmt.Errorf("empty component")
	}

	hardened := false
	if strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h") {
		hardened = true
		seg = seg[:len(seg)-1]
	}

	v, err := strconv.ParseUint(seg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("component %q: %w", seg, err)
	}
	if uint32(v)&HardenedBit != 0 {
		return 0, fmt.Errorf("component %q: index collides with the hardened bit", seg)
	}

	index := uint32(v)
	if hardened {
		index |= HardenedBit
	}
	return index, nil
}

// Encode serializes components as consecutive big-endian 32-bit integers,
// the shape the card expects in the DERIVE KEY data field.
func Encode(components []uint32) []byte {
	buf := new(bytes.Buffer)
	for _, c := range components {
		binary.Write(buf, binary.BigEndian, c)
	}
	return buf.Bytes()
}

// Decode is the inverse of Encode: it splits raw path bytes (as GET STATUS
// returns them) into component indices.
func Decode(raw []byte) ([]uint32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("derivation: raw path length %d is not a multiple of 4", len(raw))
	}

	components := make([]uint32, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		components = append(components, binary.BigEndian.Uint32(raw[i:i+4]))
	}
	return components, nil
}

// ToString renders a starting point and components back into textual form.
func ToString(start StartingPoint, components []uint32) string {
	var sb strings.Builder

	switch start {
	case StartingPointMaster:
		sb.WriteString("m")
	case StartingPointParent:
		sb.WriteString("..")
	case StartingPointCurrent:
		sb.WriteString(".")
	}

	for _, c := range components {
		sb.WriteString("/")
		sb.WriteString(strconv.FormatUint(uint64(c&^HardenedBit), 10))
		if c&HardenedBit != 0 {
			sb.WriteString("'")
		}
	}

	return sb.String()
}
