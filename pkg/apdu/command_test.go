package apdu

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestCommandSerialize(t *testing.T) {
	tests := []struct {
		name     string
		cmd      func() *Command
		expected string
	}{
		{
			name:     "header only",
			cmd:      func() *Command { return NewCommand(0x80, 0xF2, 0x00, 0x00, nil) },
			expected: "80F20000",
		},
		{
			name:     "short data",
			cmd:      func() *Command { return NewCommand(0x00, 0xA4, 0x04, 0x00, []byte{0xA0, 0x00}) },
			expected: "00A4040002A000",
		},
		{
			name: "short data with le",
			cmd: func() *Command {
				cmd := NewCommand(0x00, 0xA4, 0x04, 0x00, []byte{0x01})
				cmd.SetLe(0)
				return cmd
			},
			expected: "00A40400010100",
		},
		{
			name: "255 byte payload stays short form",
			cmd: func() *Command {
				return NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, 255))
			},
			expected: "80E20000FF" + strings.Repeat("00", 255),
		},
		{
			name: "300 byte payload switches to extended form",
			cmd: func() *Command {
				return NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, 300))
			},
			// 0x00 flag, then 0x012C big endian
			expected: "80E2000000012C" + strings.Repeat("00", 300),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd().Serialize()
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}

			gotHex := strings.ToUpper(hex.EncodeToString(got))
			if gotHex != tt.expected {
				dispGot, dispExp := gotHex, tt.expected
				if len(dispGot) > 50 {
					dispGot = dispGot[:24] + "..." + dispGot[len(dispGot)-8:]
				}
				if len(dispExp) > 50 {
					dispExp = dispExp[:24] + "..." + dispExp[len(dispExp)-8:]
				}
				t.Errorf("Mismatch\nExpected: %s\nGot:      %s", dispExp, dispGot)
			}
		})
	}
}

func TestCommandSerialize_TooLarge(t *testing.T) {
	cmd := NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, 0x10000))
	if _, err := cmd.Serialize(); err == nil {
		t.Error("expected error for payload above the extended length limit")
	}
}

func TestCommandString_OmitsData(t *testing.T) {
	cmd := NewCommand(0x80, 0x20, 0x00, 0x00, []byte("123456"))
	if strings.Contains(cmd.String(), "123456") {
		t.Errorf("String() leaked command data: %s", cmd.String())
	}
}

func TestParseResponse(t *testing.T) {
	raw, _ := hex.DecodeString("0102039000")

	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("wrong data: %X", resp.Data)
	}
	if !resp.IsOK() {
		t.Errorf("wrong status: %04X", uint16(resp.Sw))
	}
	if resp.Err() != nil {
		t.Errorf("Err() = %v, want nil", resp.Err())
	}
}

func TestParseResponse_Truncated(t *testing.T) {
	resp, err := ParseResponse([]byte{0x90})
	if err != ErrTruncatedResponse {
		t.Fatalf("err = %v, want ErrTruncatedResponse", err)
	}
	if resp.Sw != SwTruncated {
		t.Errorf("sentinel status = %04X, want %04X", uint16(resp.Sw), uint16(SwTruncated))
	}
}

func TestResponseErr(t *testing.T) {
	resp := NewResponse(SwSecurityConditionNotSatisfied, nil)

	err := resp.Err()
	if err == nil {
		t.Fatal("expected error for non-9000 status")
	}

	var cardErr *Error
	if !errors.As(err, &cardErr) {
		t.Fatalf("Err() = %T, want *Error", err)
	}
	if cardErr.Sw != SwSecurityConditionNotSatisfied {
		t.Errorf("wrong status in error: %04X", uint16(cardErr.Sw))
	}
}
