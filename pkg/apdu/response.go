package apdu

import (
	"errors"
	"fmt"
)

// ErrTruncatedResponse is returned when the card reply is shorter than the
// two mandatory status word bytes.
var ErrTruncatedResponse = errors.New("apdu: response shorter than 2 bytes")

// Response represents the reply from the card (R-APDU): an optional data
// field followed by the two-byte status word.
type Response struct {
	Data []byte
	Sw   StatusWord
}

// ParseResponse parses raw bytes received from the card.
// A reply shorter than 2 bytes yields a response carrying the SwTruncated
// sentinel together with ErrTruncatedResponse, so callers that only look at
// the status word still observe a failure.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return &Response{Sw: SwTruncated}, ErrTruncatedResponse
	}

	swIndex := len(raw) - 2

	return &Response{
		Data: raw[:swIndex],
		Sw:   NewStatusWord(raw[swIndex], raw[swIndex+1]),
	}, nil
}

// NewResponse builds a response value directly, used for synthetic replies
// (e.g. precondition failures that never reach the card).
func NewResponse(sw StatusWord, data []byte) *Response {
	return &Response{Data: data, Sw: sw}
}

// IsOK reports whether the status word is 0x9000.
func (r *Response) IsOK() bool {
	return r.Sw.IsOK()
}

// Err returns nil when the status word is 0x9000 and a typed *Error otherwise.
func (r *Response) Err() error {
	if r.Sw.IsOK() {
		return nil
	}
	return &Error{Sw: r.Sw}
}

// String returns a readable representation of the response.
func (r *Response) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Sw.Verbose())
}

// Error is a status-word failure reported by the card.
type Error struct {
	Sw StatusWord
}

func (e *Error) Error() string {
	return fmt.Sprintf("card error: %s", e.Sw.Verbose())
}
