// Package transport defines the boundary between the protocol stack and the
// physical card connection, plus the plain (unencrypted) channel that frames
// commands over it.
//
// Everything platform specific — reader enumeration, polling, power
// management — lives behind these interfaces and outside this module's core.
package transport

import (
	"github.com/cardforge/keycard/pkg/apdu"
)

// Transmitter is the minimal byte exchange with a card: one raw command in,
// one raw response (including the status word) out. Implementations must be
// mutually exclusive per physical channel; two interleaved transmissions
// would corrupt the exchange.
type Transmitter interface {
	Transmit([]byte) ([]byte, error)
}

// Transport is the full physical-connection contract the command set
// consumes.
type Transport interface {
	Transmitter

	// IsConnected reports whether a card is currently reachable.
	IsConnected() bool

	// ForceScan requests an immediate re-poll of the card. Used after
	// state-changing operations (INIT, factory reset) that make the card
	// re-present itself.
	ForceScan() error
}

// Channel sends a command frame and returns the parsed response. The plain
// channel serializes directly; the secure channel encrypts and MACs first.
type Channel interface {
	Send(*apdu.Command) (*apdu.Response, error)
}
