package protocol

import (
	"fmt"
	"iter"
)

// SubMessage is one nested message resolved from a SubMessageList.
// Payload is a sub-slice of the enclosing body capped at its own length.
type SubMessage struct {
	Type    uint16
	Offset  uint32 // position of the sub-message header inside the body
	Payload []byte
}

// SubMessageList is a bounds-checked view of an offset table inside a message
// body. It does not copy the body and can be walked any number of times.
type SubMessageList struct {
	body  []byte
	table uint32
	n     int
}

// ParseSubMessageList validates the table header and offset array that start
// at offset in body. Individual entries are checked when they are resolved.
func ParseSubMessageList(body []byte, offset uint32) (SubMessageList, error) {
	if uint64(offset)+SubMessageListSize > uint64(len(body)) {
		return SubMessageList{}, fmt.Errorf("%w: sub-message list at %d, body %d bytes",
			ErrOffsetOutOfRange, offset, len(body))
	}
	n := int(wire.Uint16(body[offset:]))
	end := uint64(offset) + SubMessageListSize + 4*uint64(n)
	if end > uint64(len(body)) {
		return SubMessageList{}, fmt.Errorf("%w: sub-message table of %d entries ends at %d, body %d bytes",
			ErrOffsetOutOfRange, n, end, len(body))
	}
	return SubMessageList{body: body, table: offset, n: n}, nil
}

// Len returns the number of table entries.
func (l SubMessageList) Len() int { return l.n }

// At resolves entry i.
func (l SubMessageList) At(i int) (SubMessage, error) {
	if i < 0 || i >= l.n {
		return SubMessage{}, fmt.Errorf("%w: entry %d of %d", ErrOffsetOutOfRange, i, l.n)
	}
	off := wire.Uint32(l.body[uint64(l.table)+SubMessageListSize+4*uint64(i):])
	hdrEnd := uint64(off) + SubMessageSize
	if hdrEnd > uint64(len(l.body)) {
		return SubMessage{}, fmt.Errorf("%w: entry %d header at %d, body %d bytes",
			ErrOffsetOutOfRange, i, off, len(l.body))
	}
	typ := wire.Uint16(l.body[off:])
	size := wire.Uint32(l.body[off+2:])
	end := hdrEnd + uint64(size)
	if end > uint64(len(l.body)) {
		return SubMessage{}, fmt.Errorf("%w: entry %d payload ends at %d, body %d bytes",
			ErrOffsetOutOfRange, i, end, len(l.body))
	}
	return SubMessage{
		Type:    typ,
		Offset:  off,
		Payload: l.body[hdrEnd:end:end],
	}, nil
}

// All yields entries in table order. On the first bad entry it yields the
// error and stops.
func (l SubMessageList) All() iter.Seq2[SubMessage, error] {
	return func(yield func(SubMessage, error) bool) {
		for i := 0; i < l.n; i++ {
			sm, err := l.At(i)
			if !yield(sm, err) || err != nil {
				return
			}
		}
	}
}

// Resolve returns every entry up to the first bad one. When an entry is bad
// the entries before it are still returned, along with the error.
func (l SubMessageList) Resolve() ([]SubMessage, error) {
	out := make([]SubMessage, 0, l.n)
	for sm, err := range l.All() {
		if err != nil {
			return out, err
		}
		out = append(out, sm)
	}
	return out, nil
}

// ResolveSubMessages parses the table at offset and resolves it.
func ResolveSubMessages(body []byte, offset uint32) ([]SubMessage, error) {
	l, err := ParseSubMessageList(body, offset)
	if err != nil {
		return nil, err
	}
	return l.Resolve()
}

// --- Encoding ---

// AppendSubMessages appends subs and then their offset table to body. It
// returns the new body and the table offset to put in the header's sub_list.
func AppendSubMessages(body []byte, subs []SubMessage) ([]byte, uint32) {
	offsets := make([]uint32, len(subs))
	for i, sm := range subs {
		offsets[i] = uint32(len(body))
		body = appendSubMessage(body, sm)
	}
	table := uint32(len(body))
	body = wire.AppendUint16(body, uint16(len(subs)))
	for _, off := range offsets {
		body = wire.AppendUint32(body, off)
	}
	return body, table
}

// EncodeMsgList builds a MsgList body: the table at offset 0 followed by the
// sub-messages.
func EncodeMsgList(subs []SubMessage) []byte {
	off := uint32(SubMessageListSize + 4*len(subs))
	body := wire.AppendUint16(nil, uint16(len(subs)))
	for _, sm := range subs {
		body = wire.AppendUint32(body, off)
		off += SubMessageSize + uint32(len(sm.Payload))
	}
	for _, sm := range subs {
		body = appendSubMessage(body, sm)
	}
	return body
}

func appendSubMessage(b []byte, sm SubMessage) []byte {
	b = wire.AppendUint16(b, sm.Type)
	b = wire.AppendUint32(b, uint32(len(sm.Payload)))
	return append(b, sm.Payload...)
}
