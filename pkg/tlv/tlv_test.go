package tlv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	return b
}

func TestFindTag_Flat(t *testing.T) {
	// 80 03 AABBCC | 02 01 05
	data := mustHex(t, "8003AABBCC020105")

	got, err := FindTag(data, "80")
	if err != nil {
		t.Fatalf("FindTag failed: %v", err)
	}
	if !bytes.Equal(got, mustHex(t, "AABBCC")) {
		t.Errorf("wrong value: %X", got)
	}
}

func TestFindTag_Nested(t *testing.T) {
	// A4 (template) containing 8F 02 0102 and 80 01 FF
	data := mustHex(t, "A4078F0201028001FF")

	got, err := FindTag(data, "A4", "8F")
	if err != nil {
		t.Fatalf("FindTag failed: %v", err)
	}
	if !bytes.Equal(got, mustHex(t, "0102")) {
		t.Errorf("wrong value: %X", got)
	}
}

func TestFindTagN_RepeatedTag(t *testing.T) {
	// Template with two entries under tag 02: version and slot count.
	data := mustHex(t, "A40702023105020105")

	version, err := FindTagN(data, 0, "A4", "02")
	if err != nil {
		t.Fatalf("FindTagN(0) failed: %v", err)
	}
	slots, err := FindTagN(data, 1, "A4", "02")
	if err != nil {
		t.Fatalf("FindTagN(1) failed: %v", err)
	}

	if !bytes.Equal(version, mustHex(t, "3105")) {
		t.Errorf("wrong first occurrence: %X", version)
	}
	if !bytes.Equal(slots, mustHex(t, "05")) {
		t.Errorf("wrong second occurrence: %X", slots)
	}
}

func TestFindTag_Missing(t *testing.T) {
	data := mustHex(t, "8003AABBCC")

	_, err := FindTag(data, "8E")
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("err = %v, want ErrTagNotFound", err)
	}
}

func TestFindTag_Overrun(t *testing.T) {
	// Length claims 5 bytes, only 2 present.
	if _, err := FindTag(mustHex(t, "8005AABB"), "80"); err == nil {
		t.Error("expected parse failure for overrunning length")
	}
}

func TestEncodeLengthForms(t *testing.T) {
	tests := []struct {
		name   string
		value  []byte
		prefix string
	}{
		{"short form", make([]byte, 0x7F), "817F"},
		{"one byte long form", make([]byte, 0x80), "818180"},
		{"two byte long form", make([]byte, 0x0120), "81820120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode([]byte{0x81}, tt.value)
			wantPrefix := mustHex(t, tt.prefix)
			if !bytes.Equal(got[:len(wantPrefix)], wantPrefix) {
				t.Errorf("prefix = %X, want %X", got[:len(wantPrefix)], wantPrefix)
			}
			if len(got) != len(wantPrefix)+len(tt.value) {
				t.Errorf("total length = %d", len(got))
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	value := bytes.Repeat([]byte{0xCD}, 300)
	encoded := Encode([]byte{0x80}, value)

	got, err := FindTag(encoded, "80")
	if err != nil {
		t.Fatalf("FindTag on encoded data failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("round trip mismatch: %d bytes", len(got))
	}
}
