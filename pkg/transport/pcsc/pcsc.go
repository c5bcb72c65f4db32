// Package pcsc adapts a PC/SC smart card connection to the transport
// interfaces the protocol layers consume.
package pcsc

import (
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/cardforge/keycard/pkg/transport"
)

// Transport drives one connected PC/SC card. Transmit is serialized with a
// mutex: interleaved writes on one physical channel would corrupt the
// exchange.
type Transport struct {
	mu   sync.Mutex
	card *scard.Card
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an already connected card. The caller keeps ownership of the
// card and the surrounding context and remains responsible for teardown.
func New(card *scard.Card) *Transport {
	return &Transport{card: card}
}

// Transmit sends raw command bytes and returns the full response including
// the status word.
func (t *Transport) Transmit(data []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	resp, err := t.card.Transmit(data)
	if err != nil {
		return nil, fmt.Errorf("pcsc: transmit failed: %w", err)
	}
	return resp, nil
}

// IsConnected reports whether the card still answers status queries.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.card.Status()
	return err == nil
}

// ForceScan resets the card so state-changing operations (INIT, factory
// reset) are picked up in their new state.
func (t *Transport) ForceScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard); err != nil {
		return fmt.Errorf("pcsc: reconnect failed: %w", err)
	}
	return nil
}
