package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire byte order. Every multi-byte field on a SPICE socket is little-endian.
var wire = binary.LittleEndian

// Protocol version spoken by this implementation.
const (
	VersionMajor = 2
	VersionMinor = 2
)

// Magic is the link header tag "REDQ" as it is read from the wire.
var Magic = [4]byte{'R', 'E', 'D', 'Q'}

// MagicValue is Magic decoded as a little-endian u32.
var MagicValue = wire.Uint32(Magic[:])

// Fixed structure sizes (bytes on the wire, no padding).
const (
	LinkHeaderSize     = 16
	LinkMessSize       = 18 // caps follow at CapsOffset
	LinkReplySize      = 4 + TicketPubkeyBytes + 12
	LinkAuthSize       = 4
	LinkResultSize     = 4
	FullHeaderSize     = 18
	MiniHeaderSize     = 6
	SubMessageSize     = 6
	SubMessageListSize = 2 // u16 count, then u32 offsets
)

// Ticketing parameters.
const (
	MaxPasswordLength    = 60
	TicketKeyPairLength  = 1024 // RSA modulus bits
	TicketPubkeyBytes    = TicketKeyPairLength/8 + 34
	EncryptedTicketBytes = TicketKeyPairLength / 8
)

// Guards against absurd allocations driven by peer-supplied sizes.
const (
	MaxLinkBodySize = 4 * 1024
	MaxPayloadSize  = 64 * 1024 * 1024
)

// MsgList is the common message type whose body is a sub-message list at offset 0.
const MsgList uint16 = 8

// Common message types shared by every channel.
const (
	MsgMigrate         uint16 = 1
	MsgMigrateData     uint16 = 2
	MsgSetAck          uint16 = 3
	MsgPing            uint16 = 4
	MsgWaitForChannels uint16 = 5
	MsgDisconnecting   uint16 = 6
	MsgNotify          uint16 = 7
)

// Common client message types.
const (
	MsgcAckSync          uint16 = 1
	MsgcAck              uint16 = 2
	MsgcPong             uint16 = 3
	MsgcMigrateFlushMark uint16 = 4
	MsgcMigrateData      uint16 = 5
	MsgcDisconnecting    uint16 = 6
)

// Authentication mechanisms sent after the LinkReply when the server
// advertises CapProtocolAuthSelection. The values are the capability numbers.
const (
	AuthSpice uint32 = uint32(CapAuthSpice)
	AuthSASL  uint32 = uint32(CapAuthSASL)
)

// ChannelType identifies the logical channel a link is for.
type ChannelType uint8

const (
	ChannelMain      ChannelType = 1
	ChannelDisplay   ChannelType = 2
	ChannelInputs    ChannelType = 3
	ChannelCursor    ChannelType = 4
	ChannelPlayback  ChannelType = 5
	ChannelRecord    ChannelType = 6
	ChannelTunnel    ChannelType = 7
	ChannelSmartcard ChannelType = 8
	ChannelUSBRedir  ChannelType = 9
	ChannelPort      ChannelType = 10
	ChannelWebdav    ChannelType = 11
)

var channelNames = map[ChannelType]string{
	ChannelMain:      "main",
	ChannelDisplay:   "display",
	ChannelInputs:    "inputs",
	ChannelCursor:    "cursor",
	ChannelPlayback:  "playback",
	ChannelRecord:    "record",
	ChannelTunnel:    "tunnel",
	ChannelSmartcard: "smartcard",
	ChannelUSBRedir:  "usbredir",
	ChannelPort:      "port",
	ChannelWebdav:    "webdav",
}

func (c ChannelType) String() string {
	if s, ok := channelNames[c]; ok {
		return s
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// ParseChannelType maps a channel name ("main", "display", ...) to its type.
func ParseChannelType(name string) (ChannelType, bool) {
	for t, s := range channelNames {
		if s == name {
			return t, true
		}
	}
	return 0, false
}

// LinkError is the status code carried by LinkReply and the final link result.
type LinkError uint32

const (
	LinkOK                  LinkError = 0
	LinkErr                 LinkError = 1
	LinkInvalidMagic        LinkError = 2
	LinkInvalidData         LinkError = 3
	LinkVersionMismatch     LinkError = 4
	LinkNeedSecured         LinkError = 5
	LinkNeedUnsecured       LinkError = 6
	LinkPermissionDenied    LinkError = 7
	LinkBadConnectionID     LinkError = 8
	LinkChannelNotAvailable LinkError = 9
)

func (e LinkError) String() string {
	switch e {
	case LinkOK:
		return "ok"
	case LinkErr:
		return "error"
	case LinkInvalidMagic:
		return "invalid magic"
	case LinkInvalidData:
		return "invalid data"
	case LinkVersionMismatch:
		return "version mismatch"
	case LinkNeedSecured:
		return "need secured"
	case LinkNeedUnsecured:
		return "need unsecured"
	case LinkPermissionDenied:
		return "permission denied"
	case LinkBadConnectionID:
		return "bad connection id"
	case LinkChannelNotAvailable:
		return "channel not available"
	default:
		return fmt.Sprintf("link error %d", uint32(e))
	}
}

// Common capabilities, negotiated for every channel.
const (
	CapProtocolAuthSelection uint = 0
	CapAuthSpice             uint = 1
	CapAuthSASL              uint = 2
	CapMiniHeader            uint = 3
)
