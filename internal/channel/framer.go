package channel

import (
	"github.com/chronologos/spicelink/internal/protocol"
)

// Framer holds the per-channel framing state: the header mode fixed at link
// time and the serial counters in each direction. It is not safe for
// concurrent use; Channel guards the outbound half with its write mutex and
// reads from a single goroutine.
type Framer struct {
	mode       protocol.HeaderMode
	outSerial  uint64 // serial for the next outbound message
	inSerial   uint64 // serial expected on the next inbound message
	lastSerial uint64 // serial of the last inbound message
}

// NewFramer returns a Framer whose counters both start at 1.
func NewFramer(mode protocol.HeaderMode) *Framer {
	return &Framer{mode: mode, outSerial: 1, inSerial: 1}
}

func (f *Framer) Mode() protocol.HeaderMode { return f.mode }

// LastSerial returns the serial of the most recent inbound message.
func (f *Framer) LastSerial() uint64 { return f.lastSerial }

// Stamp assigns the next outbound serial to msg.
func (f *Framer) Stamp(msg *protocol.Message) {
	msg.Serial = f.outSerial
	f.outSerial++
}

// Encode stamps msg and returns its wire form.
func (f *Framer) Encode(msg *protocol.Message) ([]byte, error) {
	if len(msg.Body) > protocol.MaxPayloadSize {
		return nil, protocol.ErrPayloadTooLarge
	}
	f.Stamp(msg)
	return protocol.EncodeMessage(f.mode, msg)
}

// Track accounts for one inbound message. In mini mode the serial is implied
// and written into msg. In full mode a serial other than the expected one
// yields a *protocol.SerialGapError; the message is still good and tracking
// continues from the serial it carried.
func (f *Framer) Track(msg *protocol.Message) error {
	if f.mode == protocol.MiniHeader {
		msg.Serial = f.inSerial
		f.lastSerial = f.inSerial
		f.inSerial++
		return nil
	}
	expected := f.inSerial
	f.lastSerial = msg.Serial
	f.inSerial = msg.Serial + 1
	if msg.Serial != expected {
		return &protocol.SerialGapError{Expected: expected, Got: msg.Serial}
	}
	return nil
}

// Decode parses one message from the front of b and tracks its serial. A
// *protocol.SerialGapError comes back together with a valid message and the
// remaining bytes; any other error leaves b unconsumed.
func (f *Framer) Decode(b []byte) (protocol.Message, []byte, error) {
	msg, rest, err := protocol.DecodeMessage(f.mode, b)
	if err != nil {
		return msg, rest, err
	}
	return msg, rest, f.Track(&msg)
}
