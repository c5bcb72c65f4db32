package bits

import "testing"

func TestBit(t *testing.T) {
	tests := []struct {
		n    uint
		want byte
	}{
		{1, 0b0000_0001},
		{4, 0b0000_1000},
		{8, 0b1000_0000},
		{0, 0},
		{9, 0},
	}

	for _, tt := range tests {
		if got := Bit(tt.n); got != tt.want {
			t.Errorf("Bit(%d) = %08b, want %08b", tt.n, got, tt.want)
		}
	}
}

func TestIsSet(t *testing.T) {
	b := byte(0b0101_0000)

	if !IsSet(b, 5) || !IsSet(b, 7) {
		t.Errorf("expected bits 5 and 7 set in %08b", b)
	}
	if IsSet(b, 1) || IsSet(b, 8) {
		t.Errorf("expected bits 1 and 8 clear in %08b", b)
	}
}

func TestGetRange(t *testing.T) {
	tests := []struct {
		b         byte
		high, low uint
		want      byte
	}{
		{0b0000_1100, 4, 3, 0b11},
		{0xC5, 8, 5, 0x0C}, // upper nibble
		{0xC5, 4, 1, 0x05}, // lower nibble
		{0xFF, 8, 1, 0xFF},
		{0xFF, 1, 2, 0}, // inverted bounds
	}

	for _, tt := range tests {
		if got := GetRange(tt.b, tt.high, tt.low); got != tt.want {
			t.Errorf("GetRange(%08b, %d, %d) = %d, want %d", tt.b, tt.high, tt.low, got, tt.want)
		}
	}
}
