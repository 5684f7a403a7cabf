package protocol

// Caps is a capability bitmask as exchanged during the link: capability N is
// bit N%32 of word N/32.
type Caps []uint32

// Has reports whether capability cp is set.
func (c Caps) Has(cp uint) bool {
	w := cp / 32
	if int(w) >= len(c) {
		return false
	}
	return c[w]&(1<<(cp%32)) != 0
}

// Set returns c with capability cp set, growing the word slice as needed.
func (c Caps) Set(cp uint) Caps {
	w := int(cp / 32)
	for len(c) <= w {
		c = append(c, 0)
	}
	c[w] |= 1 << (cp % 32)
	return c
}

// NewCaps builds a bitmask from a list of capability numbers.
func NewCaps(caps ...uint) Caps {
	var c Caps
	for _, cp := range caps {
		c = c.Set(cp)
	}
	return c
}

// NegotiateHeaderMode picks the mini header only when both ends advertise it.
func NegotiateHeaderMode(localCommon, remoteCommon Caps) HeaderMode {
	if localCommon.Has(CapMiniHeader) && remoteCommon.Has(CapMiniHeader) {
		return MiniHeader
	}
	return FullHeader
}
