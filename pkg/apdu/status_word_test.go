package apdu

import (
	"strings"
	"testing"
)

func TestStatusWordIsOK(t *testing.T) {
	notOK := []StatusWord{
		0x6982, 0x6983, 0x6984, 0x6985,
		0x6A80, 0x6A82, 0x6A84, 0x6A86, 0x6A88,
		0x6700, 0x6D00, 0x6E00,
	}

	if !SwOK.IsOK() {
		t.Error("9000 must be OK")
	}
	for _, sw := range notOK {
		if sw.IsOK() {
			t.Errorf("%04X must not be OK", uint16(sw))
		}
	}
}

func TestStatusWordRemainingAttempts(t *testing.T) {
	for x := 0; x <= 0x0F; x++ {
		sw := NewStatusWord(0x63, byte(0xC0|x))
		if !sw.IsWrongVerification() {
			t.Errorf("%04X must be a wrong verification status", uint16(sw))
		}
		if got := sw.RemainingAttempts(); got != x {
			t.Errorf("RemainingAttempts(%04X) = %d, want %d", uint16(sw), got, x)
		}
	}

	// 63XX without the C nibble carries no counter
	for _, sw := range []StatusWord{0x6300, 0x6381, 0x63B5} {
		if sw.IsWrongVerification() {
			t.Errorf("%04X must not be a wrong verification status", uint16(sw))
		}
		if got := sw.RemainingAttempts(); got != -1 {
			t.Errorf("RemainingAttempts(%04X) = %d, want -1", uint16(sw), got)
		}
	}
}

func TestStatusWordHasMoreData(t *testing.T) {
	sw := NewStatusWord(0x61, 0x20)
	if !sw.HasMoreData() {
		t.Error("6120 must report more data")
	}
	if sw.SW2() != 0x20 {
		t.Errorf("SW2 = %02X, want 20", sw.SW2())
	}
	if SwOK.HasMoreData() {
		t.Error("9000 must not report more data")
	}
}

func TestStatusWordVerbose(t *testing.T) {
	tests := []struct {
		sw       StatusWord
		contains string
	}{
		{SwOK, "OK"},
		{NewStatusWord(0x63, 0xC5), "5 attempts remaining"},
		{NewStatusWord(0x61, 0x10), "16 response bytes available"},
		{SwNoAvailableSlots, "no available pairing slots"},
		{SwConditionsNotSatisfied, "conditions of use not satisfied"},
	}

	for _, tt := range tests {
		if got := tt.sw.Verbose(); !strings.Contains(got, tt.contains) {
			t.Errorf("Verbose(%04X) = %q; want containing %q", uint16(tt.sw), got, tt.contains)
		}
	}
}
