package transport

import (
	"encoding/hex"
	"fmt"

	"github.com/pion/logging"

	"github.com/cardforge/keycard/pkg/apdu"
)

const (
	claISO7816     = 0x00
	insGetResponse = 0xC0
)

// NormalChannel frames commands over a Transmitter without any cryptographic
// protection. It transparently handles the T=0 "61 XX" status by issuing
// GET RESPONSE for the remaining bytes.
type NormalChannel struct {
	t   Transmitter
	log logging.LeveledLogger
}

// NewNormalChannel returns a channel that sends commands through t.
func NewNormalChannel(t Transmitter, loggerFactory logging.LoggerFactory) *NormalChannel {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &NormalChannel{
		t:   t,
		log: loggerFactory.NewLogger("channel"),
	}
}

// Send serializes cmd, transmits it and parses the reply. A 61XX status
// triggers an automatic GET RESPONSE on the same class.
func (c *NormalChannel) Send(cmd *apdu.Command) (*apdu.Response, error) {
	rawCmd, err := cmd.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	c.log.Debugf("command  %s", hex.EncodeToString(rawCmd))
	rawResp, err := c.t.Transmit(rawCmd)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}
	c.log.Debugf("response %s", hex.EncodeToString(rawResp))

	resp, err := apdu.ParseResponse(rawResp)
	if err != nil {
		return resp, err
	}

	if resp.Sw.HasMoreData() && (cmd.Cla != claISO7816 || cmd.Ins != insGetResponse) {
		getResp := apdu.NewCommand(claISO7816, insGetResponse, 0, 0, nil)
		getResp.SetLe(resp.Sw.SW2())
		return c.Send(getResp)
	}

	return resp, nil
}
