// Package control implements the two auxiliary command protocols an external
// application uses to drive a SPICE client over a local socket: the
// controller protocol and the foreign menu protocol.
//
// Both share one framing. The application opens with an init message
//
//	magic:4 version:4 size:4 credentials:8 ...
//
// and then both sides exchange {id:4, size:4} messages whose size counts the
// 8-byte header. All integers are little-endian.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	InitHeaderSize = 12
	MsgHeaderSize  = 8

	// MaxMsgSize bounds a single message, header included.
	MaxMsgSize = 1 << 20
)

var wire = binary.LittleEndian

var (
	ErrBadMagic        = errors.New("control: bad magic")
	ErrVersionMismatch = errors.New("control: version mismatch")
	ErrBadInitSize     = errors.New("control: bad init size")
	ErrBadCredentials  = errors.New("control: credentials rejected")
	ErrTruncated       = errors.New("control: truncated")
	ErrBadMsgSize      = errors.New("control: bad message size")
	ErrMsgTooLarge     = errors.New("control: message too large")
)

// Protocol describes one of the two init/message protocols.
type Protocol struct {
	Name    string
	Magic   uint32
	Version uint32

	// InitSize is the size of the fixed part of the init message. When
	// ExactInit is set the init message must be exactly that long;
	// otherwise a variable tail may follow.
	InitSize  int
	ExactInit bool
}

func tag(s string) uint32 { return wire.Uint32([]byte(s)) }

var (
	// Controller is the full client remote control: connection parameters,
	// window state and the client's menu.
	Controller = Protocol{
		Name:      "controller",
		Magic:     tag("CTRL"),
		Version:   1,
		InitSize:  InitHeaderSize + 8 + 4, // credentials, flags
		ExactInit: true,
	}

	// ForeignMenu lets an application add items to the client's menu. The
	// init tail is the NUL-terminated menu title.
	ForeignMenu = Protocol{
		Name:     "foreign_menu",
		Magic:    tag("FRGM"),
		Version:  1,
		InitSize: InitHeaderSize + 8,
	}
)

// InitHeader opens every session.
type InitHeader struct {
	Magic   uint32
	Version uint32
	Size    uint32
}

// Init is a decoded init message. Tail holds whatever follows the
// credentials: the flags word for the controller, the title for the foreign
// menu.
type Init struct {
	InitHeader
	Credentials uint64
	Tail        []byte
}

// EncodeInit builds an init message for p.
func (p Protocol) EncodeInit(credentials uint64, tail []byte) []byte {
	b := make([]byte, InitHeaderSize+8+len(tail))
	wire.PutUint32(b[0:4], p.Magic)
	wire.PutUint32(b[4:8], p.Version)
	wire.PutUint32(b[8:12], uint32(len(b)))
	wire.PutUint64(b[12:20], credentials)
	copy(b[20:], tail)
	return b
}

// DecodeInitHeader parses the 12-byte init header without validating it.
func DecodeInitHeader(b []byte) (InitHeader, error) {
	if len(b) < InitHeaderSize {
		return InitHeader{}, fmt.Errorf("%w: init header needs %d bytes, have %d", ErrTruncated, InitHeaderSize, len(b))
	}
	return InitHeader{
		Magic:   wire.Uint32(b[0:4]),
		Version: wire.Uint32(b[4:8]),
		Size:    wire.Uint32(b[8:12]),
	}, nil
}

// Check validates h against p.
func (p Protocol) Check(h InitHeader) error {
	if h.Magic != p.Magic {
		return fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrBadMagic, h.Magic, p.Magic)
	}
	if h.Version != p.Version {
		return fmt.Errorf("%w: peer speaks %s v%d, we speak v%d", ErrVersionMismatch, p.Name, h.Version, p.Version)
	}
	if int(h.Size) < p.InitSize || (p.ExactInit && int(h.Size) != p.InitSize) || h.Size > MaxMsgSize {
		return fmt.Errorf("%w: %d", ErrBadInitSize, h.Size)
	}
	return nil
}

// DecodeInit parses and validates a complete init message.
func (p Protocol) DecodeInit(b []byte) (Init, error) {
	h, err := DecodeInitHeader(b)
	if err != nil {
		return Init{}, err
	}
	if err := p.Check(h); err != nil {
		return Init{}, err
	}
	if len(b) < int(h.Size) {
		return Init{}, fmt.Errorf("%w: init declares %d bytes, have %d", ErrTruncated, h.Size, len(b))
	}
	return Init{
		InitHeader:  h,
		Credentials: wire.Uint64(b[12:20]),
		Tail:        b[20:h.Size],
	}, nil
}

// ReadInit reads one init message for p from r. The header is validated
// before the tail is read.
func (p Protocol) ReadInit(r io.Reader) (Init, error) {
	var hdr [InitHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Init{}, err
	}
	h, _ := DecodeInitHeader(hdr[:])
	if err := p.Check(h); err != nil {
		return Init{}, err
	}
	b := make([]byte, h.Size)
	copy(b, hdr[:])
	if _, err := io.ReadFull(r, b[InitHeaderSize:]); err != nil {
		return Init{}, unexpected(err)
	}
	return p.DecodeInit(b)
}

// Msg is one framed message. Body excludes the header.
type Msg struct {
	ID   uint32
	Body []byte
}

// EncodeMsg frames body under id.
func EncodeMsg(id uint32, body []byte) []byte {
	b := make([]byte, MsgHeaderSize+len(body))
	wire.PutUint32(b[0:4], id)
	wire.PutUint32(b[4:8], uint32(len(b)))
	copy(b[MsgHeaderSize:], body)
	return b
}

// DecodeMsg parses one message from the front of b and returns the rest. On
// ErrTruncated nothing is consumed and the caller can retry with more bytes.
func DecodeMsg(b []byte) (Msg, []byte, error) {
	if len(b) < MsgHeaderSize {
		return Msg{}, b, fmt.Errorf("%w: message header needs %d bytes, have %d", ErrTruncated, MsgHeaderSize, len(b))
	}
	id := wire.Uint32(b[0:4])
	size := wire.Uint32(b[4:8])
	if err := checkSize(size); err != nil {
		return Msg{}, b, err
	}
	if uint64(len(b)) < uint64(size) {
		return Msg{}, b, fmt.Errorf("%w: message declares %d bytes, have %d", ErrTruncated, size, len(b))
	}
	return Msg{ID: id, Body: b[MsgHeaderSize:size:size]}, b[size:], nil
}

func checkSize(size uint32) error {
	if size < MsgHeaderSize {
		return fmt.Errorf("%w: %d is smaller than the header", ErrBadMsgSize, size)
	}
	if size > MaxMsgSize {
		return fmt.Errorf("%w: %d", ErrMsgTooLarge, size)
	}
	return nil
}

// WriteMsg writes one framed message to w.
func WriteMsg(w io.Writer, id uint32, body []byte) error {
	if MsgHeaderSize+len(body) > MaxMsgSize {
		return ErrMsgTooLarge
	}
	_, err := w.Write(EncodeMsg(id, body))
	return err
}

// ReadMsg reads one framed message from r.
func ReadMsg(r io.Reader) (Msg, error) {
	var hdr [MsgHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Msg{}, err
	}
	size := wire.Uint32(hdr[4:8])
	if err := checkSize(size); err != nil {
		return Msg{}, err
	}
	body := make([]byte, size-MsgHeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Msg{}, unexpected(err)
	}
	return Msg{ID: wire.Uint32(hdr[0:4]), Body: body}, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// cstring returns b up to its first NUL, or all of b if there is none.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// appendCString appends s and a terminating NUL.
func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}
