package protocol

// Bodies of the common messages a channel answers on its own.

// SetAck is the body of MsgSetAck.
type SetAck struct {
	Generation uint32
	Window     uint32
}

func DecodeSetAck(b []byte) (SetAck, error) {
	if len(b) < 8 {
		return SetAck{}, truncated("set ack", uint64(len(b)), 8)
	}
	return SetAck{Generation: wire.Uint32(b[0:4]), Window: wire.Uint32(b[4:8])}, nil
}

func EncodeSetAck(s SetAck) []byte {
	b := wire.AppendUint32(nil, s.Generation)
	return wire.AppendUint32(b, s.Window)
}

// EncodeAckSync returns the MsgcAckSync body echoing generation.
func EncodeAckSync(generation uint32) []byte {
	return wire.AppendUint32(nil, generation)
}

// Ping is the body of MsgPing. Any padding after the fixed part is ignored.
type Ping struct {
	ID        uint32
	Timestamp uint64
}

func DecodePing(b []byte) (Ping, error) {
	if len(b) < 12 {
		return Ping{}, truncated("ping", uint64(len(b)), 12)
	}
	return Ping{ID: wire.Uint32(b[0:4]), Timestamp: wire.Uint64(b[4:12])}, nil
}

// EncodePing encodes p. EncodePong is the same layout.
func EncodePing(p Ping) []byte {
	b := wire.AppendUint32(nil, p.ID)
	return wire.AppendUint64(b, p.Timestamp)
}

func EncodePong(p Ping) []byte { return EncodePing(p) }
