package globalplatform

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildCap(t *testing.T, components map[string]int) *bytes.Reader {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, size := range components {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(bytes.Repeat([]byte{0x22}, size))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return bytes.NewReader(buf.Bytes())
}

func TestLoadingStream(t *testing.T) {
	r := buildCap(t, map[string]int{
		"applet/Header.cap": 10,
		"applet/Method.cap": 500,
	})

	stream, err := NewLoadingStream(r, r.Size())
	require.NoError(t, err)

	// 510 component bytes + 4-byte C4 8201FE prefix... the prefix is C4 82
	// plus two length bytes for a 510-byte body.
	require.Equal(t, 514, len(stream.data))
	require.Equal(t, []byte{0xC4, 0x82, 0x01, 0xFE}, stream.data[:4])
	require.Equal(t, 3, stream.BlockCount())

	var indexes []uint8
	var sizes []int
	for {
		block, index, last, done := stream.Next()
		if done {
			break
		}
		indexes = append(indexes, index)
		sizes = append(sizes, len(block))
		if last {
			require.Equal(t, len(indexes), stream.BlockCount())
		}
	}

	require.Equal(t, []uint8{0, 1, 2}, indexes)
	require.Equal(t, []int{247, 247, 20}, sizes)

	// Drained streams stay done.
	_, _, _, done := stream.Next()
	require.True(t, done)
}

func TestLoadingStream_ComponentOrder(t *testing.T) {
	// Method must precede RefLocation in the output regardless of zip order.
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	f, err := w.Create("RefLocation.cap")
	require.NoError(t, err)
	f.Write([]byte{0xBB})

	f, err = w.Create("Method.cap")
	require.NoError(t, err)
	f.Write([]byte{0xAA})

	require.NoError(t, w.Close())
	r := bytes.NewReader(buf.Bytes())

	stream, err := NewLoadingStream(r, r.Size())
	require.NoError(t, err)

	body := stream.data[2:] // skip C4 and the short length byte
	require.Equal(t, []byte{0xAA, 0xBB}, body)
}

func TestLoadingStream_NoComponents(t *testing.T) {
	r := buildCap(t, map[string]int{"README.txt": 10})

	_, err := NewLoadingStream(r, r.Size())
	require.Error(t, err)
}

func TestLoadingStream_NotAZip(t *testing.T) {
	r := bytes.NewReader([]byte("not a zip archive"))

	_, err := NewLoadingStream(r, r.Size())
	require.Error(t, err)
}
