// Package channel drives one SPICE channel over a caller-supplied stream: the
// link handshake, serial tracking, and message framing in the negotiated
// header mode.
//
// The package never dials or listens. Callers hand it an io.ReadWriter (a
// net.Conn, a TLS conn, a pipe) and keep ownership of closing it.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/metrics"
	"github.com/chronologos/spicelink/internal/protocol"
)

// Options configure a Channel built by New. Link and AcceptLink fill them
// from their own configs.
type Options struct {
	Type protocol.ChannelType
	ID   uint8
	Mode protocol.HeaderMode

	// RemoteCommonCaps and RemoteChannelCaps are what the peer advertised.
	RemoteCommonCaps  protocol.Caps
	RemoteChannelCaps protocol.Caps

	// AutoAck makes Recv answer SET_ACK and PING and emit ACKs every
	// window messages, the way a client is expected to.
	AutoAck bool

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Inbound is one received message with its sub-messages expanded.
type Inbound struct {
	protocol.Message

	// Subs holds the resolved sub-messages when the message carries a list.
	// If the list was malformed, Subs holds the entries before the bad one
	// and SubErr says why resolution stopped.
	Subs   []protocol.SubMessage
	SubErr error

	// Gap is set when the message's serial did not follow the previous one.
	Gap *protocol.SerialGapError
}

// Channel is a linked SPICE channel. Sends may come from any goroutine;
// Recv must be called from one goroutine at a time.
type Channel struct {
	rw      io.ReadWriter
	framer  *Framer
	writeMu sync.Mutex // serializes writes and the outbound serial

	opts    Options
	log     *logrus.Entry
	metrics *metrics.Metrics

	ackWindow uint32
	ackCount  uint32
}

// New wraps an already-linked stream.
func New(rw io.ReadWriter, opts Options) *Channel {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{
		"channel": opts.Type.String(),
		"id":      opts.ID,
		"header":  opts.Mode.String(),
	})
	return &Channel{
		rw:      rw,
		framer:  NewFramer(opts.Mode),
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
	}
}

func (c *Channel) Type() protocol.ChannelType { return c.opts.Type }
func (c *Channel) ID() uint8 { return c.opts.ID }
func (c *Channel) Mode() protocol.HeaderMode { return c.framer.Mode() }
func (c *Channel) RemoteCommonCaps() protocol.Caps { return c.opts.RemoteCommonCaps }
func (c *Channel) RemoteChannelCaps() protocol.Caps { return c.opts.RemoteChannelCaps }

// LastSerial returns the serial of the last message Recv returned.
func (c *Channel) LastSerial() uint64 { return c.framer.LastSerial() }

// Send frames and writes one message of the given type.
func (c *Channel) Send(typ uint16, body []byte) error {
	return c.SendMessage(&protocol.Message{Type: typ, Body: body})
}

// SendMessage assigns msg the next serial and writes it. In full header mode
// msg.SubList goes out as set.
func (c *Channel) SendMessage(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.framer.Stamp(msg)
	if err := protocol.WriteMessage(c.rw, c.framer.Mode(), msg); err != nil {
		return fmt.Errorf("send type %d serial %d: %w", msg.Type, msg.Serial, err)
	}
	c.metrics.Message(c.opts.Type.String(), metrics.Sent)
	return nil
}

// SendList bundles subs into a single MsgList message.
func (c *Channel) SendList(subs []protocol.SubMessage) error {
	return c.Send(protocol.MsgList, protocol.EncodeMsgList(subs))
}

// Recv reads the next message. Serial gaps and malformed sub-message lists
// are reported on the Inbound, not as errors: the message itself is good.
// Errors from the stream, including io.EOF, are returned as is.
func (c *Channel) Recv() (*Inbound, error) {
	msg, err := protocol.ReadMessage(c.rw, c.framer.Mode())
	if err != nil {
		return nil, err
	}
	c.metrics.Message(c.opts.Type.String(), metrics.Received)

	in := &Inbound{Message: msg}
	if err := c.framer.Track(&in.Message); err != nil {
		errors.As(err, &in.Gap)
		c.metrics.SerialGap(c.opts.Type.String())
		c.log.WithFields(logrus.Fields{
			"expected": in.Gap.Expected,
			"serial":   in.Gap.Got,
		}).Warn("serial gap")
	}

	if off, ok := in.HasSubMessages(); ok {
		in.Subs, in.SubErr = protocol.ResolveSubMessages(in.Body, off)
		if in.SubErr != nil {
			c.metrics.DecodeError("sub-message list")
			c.log.WithError(in.SubErr).WithFields(logrus.Fields{
				"type":     in.Type,
				"serial":   in.Serial,
				"resolved": len(in.Subs),
			}).Warn("malformed sub-message list")
		}
	}

	if c.opts.AutoAck {
		if err := c.autoAck(in); err != nil {
			return in, err
		}
	}
	return in, nil
}

// autoAck implements the client half of flow control: count messages against
// the window set by SET_ACK, and answer PING with PONG.
func (c *Channel) autoAck(in *Inbound) error {
	if c.ackCount > 0 {
		c.ackCount--
		if c.ackCount == 0 {
			if err := c.Send(protocol.MsgcAck, nil); err != nil {
				return err
			}
			c.ackCount = c.ackWindow
		}
	}

	switch in.Type {
	case protocol.MsgSetAck:
		sa, err := protocol.DecodeSetAck(in.Body)
		if err != nil {
			c.log.WithError(err).Warn("bad SET_ACK")
			return nil
		}
		c.ackWindow, c.ackCount = sa.Window, sa.Window
		c.log.WithFields(logrus.Fields{"generation": sa.Generation, "window": sa.Window}).Debug("ack window set")
		return c.Send(protocol.MsgcAckSync, protocol.EncodeAckSync(sa.Generation))
	case protocol.MsgPing:
		p, err := protocol.DecodePing(in.Body)
		if err != nil {
			c.log.WithError(err).Warn("bad PING")
			return nil
		}
		return c.Send(protocol.MsgcPong, protocol.EncodePong(p))
	}
	return nil
}
