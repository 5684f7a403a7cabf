package protocol

import (
	"fmt"
	"io"
)

// HeaderMode selects the per-message header variant. It is fixed for the
// lifetime of a channel once the link negotiated it.
type HeaderMode int

const (
	FullHeader HeaderMode = iota // 18 bytes: serial, type, size, sub_list
	MiniHeader                   // 6 bytes: type, size
)

// Size returns the encoded header length for the mode.
func (m HeaderMode) Size() int {
	if m == MiniHeader {
		return MiniHeaderSize
	}
	return FullHeaderSize
}

func (m HeaderMode) String() string {
	switch m {
	case FullHeader:
		return "full"
	case MiniHeader:
		return "mini"
	default:
		return "unknown"
	}
}

// Message is one framed protocol message.
//
// Serial and SubList only travel on the wire in FullHeader mode. In MiniHeader
// mode they are ignored when encoding and left zero when decoding; the channel
// tracks serials implicitly.
type Message struct {
	Serial  uint64
	Type    uint16
	SubList uint32 // offset into Body of a SubMessageList, 0 = none
	Body    []byte
}

// --- Encoding ---

// AppendHeader appends the header for msg in the given mode to b.
func AppendHeader(b []byte, mode HeaderMode, msg *Message) []byte {
	if mode == FullHeader {
		b = wire.AppendUint64(b, msg.Serial)
	}
	b = wire.AppendUint16(b, msg.Type)
	b = wire.AppendUint32(b, uint32(len(msg.Body)))
	if mode == FullHeader {
		b = wire.AppendUint32(b, msg.SubList)
	}
	return b
}

// EncodeMessage returns header and body of msg as one buffer.
func EncodeMessage(mode HeaderMode, msg *Message) ([]byte, error) {
	if len(msg.Body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, 0, mode.Size()+len(msg.Body))
	b = AppendHeader(b, mode, msg)
	return append(b, msg.Body...), nil
}

// WriteMessage writes a framed message to w. Header and body go out in
// separate writes so large bodies are not copied.
func WriteMessage(w io.Writer, mode HeaderMode, msg *Message) error {
	if len(msg.Body) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	var scratch [FullHeaderSize]byte
	hdr := AppendHeader(scratch[:0], mode, msg)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(msg.Body) > 0 {
		if _, err := w.Write(msg.Body); err != nil {
			return err
		}
	}
	return nil
}

// --- Decoding ---

// DecodeHeader parses a header without its body. The returned message has a
// nil Body; the second result is the declared body size.
func DecodeHeader(mode HeaderMode, b []byte) (Message, uint32, error) {
	if len(b) < mode.Size() {
		return Message{}, 0, truncated(mode.String()+" header", uint64(len(b)), uint64(mode.Size()))
	}
	var msg Message
	if mode == FullHeader {
		msg.Serial = wire.Uint64(b[0:8])
		b = b[8:]
	}
	msg.Type = wire.Uint16(b[0:2])
	size := wire.Uint32(b[2:6])
	if mode == FullHeader {
		msg.SubList = wire.Uint32(b[6:10])
	}
	return msg, size, nil
}

// DecodeMessage parses one message from the front of b and returns the bytes
// that follow it. Body aliases b.
func DecodeMessage(mode HeaderMode, b []byte) (Message, []byte, error) {
	msg, size, err := DecodeHeader(mode, b)
	if err != nil {
		return Message{}, b, err
	}
	end := uint64(mode.Size()) + uint64(size)
	if uint64(len(b)) < end {
		return Message{}, b, truncated("message body", uint64(len(b)-mode.Size()), uint64(size))
	}
	msg.Body = b[mode.Size():end]
	return msg, b[end:], nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader, mode HeaderMode) (Message, error) {
	var scratch [FullHeaderSize]byte
	hdr := scratch[:mode.Size()]
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message{}, err
	}
	msg, size, err := DecodeHeader(mode, hdr)
	if err != nil {
		return Message{}, err
	}
	if size > MaxPayloadSize {
		return Message{}, fmt.Errorf("%w: type %d declares %d bytes", ErrPayloadTooLarge, msg.Type, size)
	}
	msg.Body = make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, msg.Body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
	return msg, nil
}

// HasSubMessages reports whether msg carries a sub-message list, and where.
func (m *Message) HasSubMessages() (uint32, bool) {
	if m.Type == MsgList {
		return m.SubList, true
	}
	return m.SubList, m.SubList != 0
}
