// Package metadata implements the compact wallet metadata format stored on
// the card through STORE DATA / GET DATA.
//
// Layout:
//
//	byte 0:  0x20 | nameLen   (version 1 in the top 3 bits, name length 0-20
//	                           in the low 5 bits)
//	[nameLen] UTF-8 wallet name bytes
//	then pairs of LEB128 varints (start, count) describing runs of
//	consecutive trailing path indices under the fixed wallet root prefix.
//	Runs are sorted by start and merged, so each index appears exactly once.
package metadata

import (
	"errors"
	"fmt"
	"sort"
)

const (
	version     = 1
	maxNameLen  = 20
	versionMask = 0xE0 // top 3 bits
	nameLenMask = 0x1F // low 5 bits
)

var (
	// ErrNameTooLong is returned for wallet names above 20 bytes.
	ErrNameTooLong = errors.New("metadata: name longer than 20 bytes")

	// ErrInvalidVersion is returned when the version bits are not 1.
	ErrInvalidVersion = errors.New("metadata: unsupported version")
)

// Metadata describes a wallet stored on the card: a display name and the set
// of derived wallet path indices.
type Metadata struct {
	Name  string
	Paths []uint32
}

// New builds a Metadata value, rejecting over-long names.
func New(name string, paths []uint32) (*Metadata, error) {
	if len(name) > maxNameLen {
		return nil, ErrNameTooLong
	}
	return &Metadata{Name: name, Paths: paths}, nil
}

// Serialize encodes the metadata. Paths are deduplicated, sorted and merged
// into consecutive runs before encoding.
func (m *Metadata) Serialize() ([]byte, error) {
	if len(m.Name) > maxNameLen {
		return nil, ErrNameTooLong
	}

	out := []byte{byte(version<<5) | byte(len(m.Name))}
	out = append(out, m.Name...)

	for _, run := range mergeRuns(m.Paths) {
		out = AppendLEB128(out, run.start)
		out = AppendLEB128(out, run.count)
	}

	return out, nil
}

// Parse decodes serialized metadata, expanding runs back into the full index
// list.
func Parse(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return nil, errors.New("metadata: empty input")
	}

	if data[0]&versionMask != version<<5 {
		return nil, ErrInvalidVersion
	}

	nameLen := int(data[0] & nameLenMask)
	if 1+nameLen > len(data) {
		return nil, errors.New("metadata: name overruns buffer")
	}

	m := &Metadata{Name: string(data[1 : 1+nameLen])}

	rest := data[1+nameLen:]
	for len(rest) > 0 {
		start, n, err := ReadLEB128(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		count, n, err := ReadLEB128(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		for i := uint32(0); i < count; i++ {
			m.Paths = append(m.Paths, start+i)
		}
	}

	return m, nil
}

type run struct {
	start uint32
	count uint32
}

// mergeRuns turns an arbitrary index list into sorted runs of consecutive
// values with duplicates dropped.
func mergeRuns(paths []uint32) []run {
	if len(paths) == 0 {
		return nil
	}

	sorted := make([]uint32, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var runs []run
	current := run{start: sorted[0], count: 1}

	for _, p := range sorted[1:] {
		switch {
		case p == current.start+current.count-1:
			// duplicate
		case p == current.start+current.count:
			current.count++
		default:
			runs = append(runs, current)
			current = run{start: p, count: 1}
		}
	}

	return append(runs, current)
}

// AppendLEB128 appends v to buf as an unsigned LEB128 varint.
func AppendLEB128(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// ReadLEB128 decodes an unsigned LEB128 varint from the front of data,
// returning the value and the number of bytes consumed.
func ReadLEB128(data []byte) (uint32, int, error) {
	var v uint32
	var shift uint

	for i, b := range data {
		if shift > 28 {
			return 0, 0, fmt.Errorf("metadata: varint longer than 32 bits")
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}

	return 0, 0, errors.New("metadata: truncated varint")
}
