package protocol

import (
	"fmt"
	"io"
)

// LinkHeader prefixes both the client's LinkMess and the server's LinkReply.
type LinkHeader struct {
	Magic        uint32
	MajorVersion uint32
	MinorVersion uint32
	Size         uint32 // body bytes following the header
}

// LinkMess is the client's link request for one channel.
type LinkMess struct {
	ConnectionID uint32
	ChannelType  ChannelType
	ChannelID    uint8
	CommonCaps   Caps
	ChannelCaps  Caps
}

// LinkReply is the server's answer to a LinkMess.
type LinkReply struct {
	Error       LinkError
	PubKey      [TicketPubkeyBytes]byte
	CommonCaps  Caps
	ChannelCaps Caps
}

// --- Link header ---

// EncodeLinkHeader returns the 16-byte link header for a body of bodySize bytes.
func EncodeLinkHeader(major, minor, bodySize uint32) []byte {
	b := make([]byte, LinkHeaderSize)
	copy(b[0:4], Magic[:])
	wire.PutUint32(b[4:8], major)
	wire.PutUint32(b[8:12], minor)
	wire.PutUint32(b[12:16], bodySize)
	return b
}

// DecodeLinkHeader parses a link header from the first 16 bytes of b.
func DecodeLinkHeader(b []byte) (LinkHeader, error) {
	if len(b) < LinkHeaderSize {
		return LinkHeader{}, truncated("link header", uint64(len(b)), LinkHeaderSize)
	}
	h := LinkHeader{
		Magic:        wire.Uint32(b[0:4]),
		MajorVersion: wire.Uint32(b[4:8]),
		MinorVersion: wire.Uint32(b[8:12]),
		Size:         wire.Uint32(b[12:16]),
	}
	if h.Magic != MagicValue {
		return LinkHeader{}, fmt.Errorf("%w: link header 0x%08x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// --- Capability block shared by LinkMess and LinkReply ---

type capsBlock struct {
	numCommon  uint32
	numChannel uint32
	offset     uint32
}

// readCaps validates the capability block against declaredSize before
// touching any capability word. body must already hold declaredSize bytes.
func readCaps(body []byte, declaredSize uint32, cb capsBlock) (common, channel Caps, err error) {
	end := uint64(cb.offset) + 4*(uint64(cb.numCommon)+uint64(cb.numChannel))
	if end > uint64(declaredSize) {
		return nil, nil, fmt.Errorf("%w: caps end at %d, message size %d",
			ErrOffsetOutOfRange, end, declaredSize)
	}
	p := body[cb.offset:end]
	common = make(Caps, cb.numCommon)
	for i := range common {
		common[i] = wire.Uint32(p[4*i:])
	}
	p = p[4*len(common):]
	channel = make(Caps, cb.numChannel)
	for i := range channel {
		channel[i] = wire.Uint32(p[4*i:])
	}
	return common, channel, nil
}

func appendCaps(b []byte, common, channel Caps) []byte {
	for _, w := range common {
		b = wire.AppendUint32(b, w)
	}
	for _, w := range channel {
		b = wire.AppendUint32(b, w)
	}
	return b
}

// checkBody enforces declaredSize <= len(body) and fixed <= declaredSize.
func checkBody(what string, body []byte, declaredSize uint32, fixed int) error {
	if uint64(len(body)) < uint64(declaredSize) {
		return truncated(what, uint64(len(body)), uint64(declaredSize))
	}
	if declaredSize < uint32(fixed) {
		return truncated(what, uint64(declaredSize), uint64(fixed))
	}
	return nil
}

// --- LinkMess ---

// Size returns the encoded body size of m (fixed part plus capability words).
func (m *LinkMess) Size() uint32 {
	return uint32(LinkMessSize + 4*(len(m.CommonCaps)+len(m.ChannelCaps)))
}

// EncodeLinkMess encodes m with its capabilities placed right after the fixed part.
func EncodeLinkMess(m *LinkMess) []byte {
	b := make([]byte, LinkMessSize, m.Size())
	wire.PutUint32(b[0:4], m.ConnectionID)
	b[4] = byte(m.ChannelType)
	b[5] = m.ChannelID
	wire.PutUint32(b[6:10], uint32(len(m.CommonCaps)))
	wire.PutUint32(b[10:14], uint32(len(m.ChannelCaps)))
	wire.PutUint32(b[14:18], LinkMessSize)
	return appendCaps(b, m.CommonCaps, m.ChannelCaps)
}

// DecodeLinkMess parses a LinkMess whose header declared declaredSize body bytes.
func DecodeLinkMess(body []byte, declaredSize uint32) (*LinkMess, error) {
	if err := checkBody("link mess", body, declaredSize, LinkMessSize); err != nil {
		return nil, err
	}
	m := &LinkMess{
		ConnectionID: wire.Uint32(body[0:4]),
		ChannelType:  ChannelType(body[4]),
		ChannelID:    body[5],
	}
	var err error
	m.CommonCaps, m.ChannelCaps, err = readCaps(body, declaredSize, capsBlock{
		numCommon:  wire.Uint32(body[6:10]),
		numChannel: wire.Uint32(body[10:14]),
		offset:     wire.Uint32(body[14:18]),
	})
	if err != nil {
		return nil, fmt.Errorf("link mess: %w", err)
	}
	return m, nil
}

// --- LinkReply ---

// Size returns the encoded body size of r.
func (r *LinkReply) Size() uint32 {
	return uint32(LinkReplySize + 4*(len(r.CommonCaps)+len(r.ChannelCaps)))
}

// EncodeLinkReply encodes r with its capabilities right after the fixed part.
func EncodeLinkReply(r *LinkReply) []byte {
	b := make([]byte, LinkReplySize, r.Size())
	wire.PutUint32(b[0:4], uint32(r.Error))
	copy(b[4:4+TicketPubkeyBytes], r.PubKey[:])
	p := b[4+TicketPubkeyBytes:]
	wire.PutUint32(p[0:4], uint32(len(r.CommonCaps)))
	wire.PutUint32(p[4:8], uint32(len(r.ChannelCaps)))
	wire.PutUint32(p[8:12], LinkReplySize)
	return appendCaps(b, r.CommonCaps, r.ChannelCaps)
}

// DecodeLinkReply parses a LinkReply whose header declared declaredSize body bytes.
func DecodeLinkReply(body []byte, declaredSize uint32) (*LinkReply, error) {
	if err := checkBody("link reply", body, declaredSize, LinkReplySize); err != nil {
		return nil, err
	}
	r := &LinkReply{Error: LinkError(wire.Uint32(body[0:4]))}
	copy(r.PubKey[:], body[4:4+TicketPubkeyBytes])
	p := body[4+TicketPubkeyBytes:]
	var err error
	r.CommonCaps, r.ChannelCaps, err = readCaps(body, declaredSize, capsBlock{
		numCommon:  wire.Uint32(p[0:4]),
		numChannel: wire.Uint32(p[4:8]),
		offset:     wire.Uint32(p[8:12]),
	})
	if err != nil {
		return nil, fmt.Errorf("link reply: %w", err)
	}
	return r, nil
}

// --- Stream helpers ---

// WriteLink writes a link header followed by body.
func WriteLink(w io.Writer, major, minor uint32, body []byte) error {
	if len(body) > MaxLinkBodySize {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 0, LinkHeaderSize+len(body))
	buf = append(buf, EncodeLinkHeader(major, minor, uint32(len(body)))...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadLink reads a link header and the body it announces.
func ReadLink(r io.Reader) (LinkHeader, []byte, error) {
	var hb [LinkHeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return LinkHeader{}, nil, err
	}
	h, err := DecodeLinkHeader(hb[:])
	if err != nil {
		return LinkHeader{}, nil, err
	}
	if h.Size > MaxLinkBodySize {
		return h, nil, fmt.Errorf("%w: link body %d bytes", ErrPayloadTooLarge, h.Size)
	}
	body := make([]byte, h.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

// WriteUint32 writes a single little-endian u32 (auth mechanism, link result).
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	wire.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a single little-endian u32.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return wire.Uint32(b[:]), nil
}
