package globalplatform

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// loadBlockSize is the largest LOAD data field that still fits a short APDU
// once the 8-byte session MAC is accounted for.
const loadBlockSize = 247

// capComponents lists the JavaCard cap file components in the order the card
// requires them to arrive.
var capComponents = []string{
	"Header.cap",
	"Directory.cap",
	"Import.cap",
	"Applet.cap",
	"Class.cap",
	"Method.cap",
	"StaticField.cap",
	"Export.cap",
	"ConstantPool.cap",
	"RefLocation.cap",
}

// LoadingStream flattens a cap archive into the C4-prefixed byte stream the
// LOAD command transfers block by block.
type LoadingStream struct {
	data   []byte
	offset int
	index  uint8
}

// NewLoadingStream reads a cap file (a zip archive) and assembles its
// components in load order. Components absent from the archive are skipped;
// an archive with none of them is rejected.
func NewLoadingStream(r io.ReaderAt, size int64) (*LoadingStream, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("globalplatform: cap archive unreadable: %w", err)
	}

	files := make(map[string]*zip.File)
	for _, f := range archive.File {
		files[baseName(f.Name)] = f
	}

	var body bytes.Buffer
	for _, name := range capComponents {
		f, ok := files[name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("globalplatform: cap component %s unreadable: %w", name, err)
		}
		if _, err := io.Copy(&body, rc); err != nil {
			rc.Close()
			return nil, fmt.Errorf("globalplatform: cap component %s unreadable: %w", name, err)
		}
		rc.Close()
	}

	if body.Len() == 0 {
		return nil, fmt.Errorf("globalplatform: archive contains no cap components")
	}

	// Tag C4 with a BER length prefixes the whole load file.
	data := encodeLoadFile(body.Bytes())
	return &LoadingStream{data: data}, nil
}

// Next returns the next block, its index and whether it is the last one.
// After the last block every further call returns done.
func (ls *LoadingStream) Next() (block []byte, index uint8, last bool, done bool) {
	if ls.offset >= len(ls.data) {
		return nil, 0, false, true
	}

	end := ls.offset + loadBlockSize
	if end > len(ls.data) {
		end = len(ls.data)
	}

	block = ls.data[ls.offset:end]
	index = ls.index
	last = end == len(ls.data)

	ls.offset = end
	ls.index++
	return block, index, last, false
}

// BlockCount reports how many LOAD commands the stream will produce.
func (ls *LoadingStream) BlockCount() int {
	return (len(ls.data) + loadBlockSize - 1) / loadBlockSize
}

func encodeLoadFile(body []byte) []byte {
	out := []byte{0xC4}
	n := len(body)
	switch {
	case n < 0x80:
		out = append(out, byte(n))
	case n <= 0xFF:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, body...)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
