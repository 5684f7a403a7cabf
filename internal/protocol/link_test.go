package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLinkHeaderRoundTrip(t *testing.T) {
	for _, tc := range []struct{ major, minor, size uint32 }{
		{2, 2, 0},
		{1, 3, 18},
		{VersionMajor, VersionMinor, 1<<32 - 1},
	} {
		b := EncodeLinkHeader(tc.major, tc.minor, tc.size)
		if len(b) != LinkHeaderSize {
			t.Fatalf("encoded %d bytes, want %d", len(b), LinkHeaderSize)
		}
		h, err := DecodeLinkHeader(b)
		if err != nil {
			t.Fatal(err)
		}
		want := LinkHeader{Magic: MagicValue, MajorVersion: tc.major, MinorVersion: tc.minor, Size: tc.size}
		if diff := cmp.Diff(want, h); diff != "" {
			t.Fatalf("header mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestLinkHeaderMagicBytes(t *testing.T) {
	b := EncodeLinkHeader(2, 2, 0)
	if !bytes.Equal(b[:4], []byte("REDQ")) {
		t.Fatalf("magic bytes = %q, want REDQ", b[:4])
	}
	if MagicValue != 0x51444552 {
		t.Fatalf("MagicValue = 0x%08x", MagicValue)
	}
}

func TestLinkHeaderTruncated(t *testing.T) {
	b := EncodeLinkHeader(2, 2, 0)
	_, err := DecodeLinkHeader(b[:15])
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestLinkHeaderBadMagic(t *testing.T) {
	b := EncodeLinkHeader(2, 2, 0)
	copy(b, "REDX")
	_, err := DecodeLinkHeader(b)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestLinkMessRoundTrip(t *testing.T) {
	original := &LinkMess{
		ConnectionID: 0xdeadbeef,
		ChannelType:  ChannelDisplay,
		ChannelID:    1,
		CommonCaps:   NewCaps(CapAuthSpice, CapMiniHeader),
		ChannelCaps:  Caps{0x3, 0x80000000},
	}
	b := EncodeLinkMess(original)
	if uint32(len(b)) != original.Size() {
		t.Fatalf("encoded %d bytes, Size() = %d", len(b), original.Size())
	}
	if got := wire.Uint32(b[14:18]); got != LinkMessSize {
		t.Fatalf("caps_offset = %d, want %d", got, LinkMessSize)
	}
	decoded, err := DecodeLinkMess(b, uint32(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("link mess mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkMessNoCaps(t *testing.T) {
	original := &LinkMess{ConnectionID: 7, ChannelType: ChannelMain, CommonCaps: Caps{}, ChannelCaps: Caps{}}
	b := EncodeLinkMess(original)
	if len(b) != LinkMessSize {
		t.Fatalf("encoded %d bytes, want %d", len(b), LinkMessSize)
	}
	decoded, err := DecodeLinkMess(b, LinkMessSize)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("link mess mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkMessCapsOverflow(t *testing.T) {
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain, CommonCaps: Caps{1}, ChannelCaps: Caps{2}})
	// Claim one more channel cap than the message holds.
	wire.PutUint32(b[10:14], 2)
	_, err := DecodeLinkMess(b, uint32(len(b)))
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestLinkMessCapsOffsetPastEnd(t *testing.T) {
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain, CommonCaps: Caps{1}})
	wire.PutUint32(b[14:18], 1<<32-2)
	_, err := DecodeLinkMess(b, uint32(len(b)))
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestLinkMessHugeCapCountsDoNotOverflow(t *testing.T) {
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain})
	wire.PutUint32(b[6:10], 1<<32-1)
	wire.PutUint32(b[10:14], 1<<32-1)
	_, err := DecodeLinkMess(b, uint32(len(b)))
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestLinkMessDeclaredSizeLargerThanBuffer(t *testing.T) {
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain, CommonCaps: Caps{1}})
	_, err := DecodeLinkMess(b, uint32(len(b))+4)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestLinkMessDeclaredSizeSmallerThanFixedPart(t *testing.T) {
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain})
	_, err := DecodeLinkMess(b, LinkMessSize-1)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestLinkMessCapsBeyondDeclaredSize(t *testing.T) {
	// The buffer physically holds the caps, but the declared size stops short
	// of them: the decoder must go by the declared size.
	b := EncodeLinkMess(&LinkMess{ChannelType: ChannelMain, CommonCaps: Caps{1, 2}})
	_, err := DecodeLinkMess(b, uint32(len(b))-4)
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestLinkReplyRoundTrip(t *testing.T) {
	original := &LinkReply{
		Error:       LinkOK,
		CommonCaps:  NewCaps(CapProtocolAuthSelection, CapAuthSpice, CapMiniHeader),
		ChannelCaps: Caps{0x1f},
	}
	for i := range original.PubKey {
		original.PubKey[i] = byte(i)
	}
	b := EncodeLinkReply(original)
	if len(b) != LinkReplySize+12 {
		t.Fatalf("encoded %d bytes, want %d", len(b), LinkReplySize+12)
	}
	decoded, err := DecodeLinkReply(b, uint32(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("link reply mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkReplyPubKeySize(t *testing.T) {
	if TicketPubkeyBytes != 162 {
		t.Fatalf("TicketPubkeyBytes = %d, want 162", TicketPubkeyBytes)
	}
	if LinkReplySize != 178 {
		t.Fatalf("LinkReplySize = %d, want 178", LinkReplySize)
	}
}

func TestLinkReplyCapsOverflow(t *testing.T) {
	b := EncodeLinkReply(&LinkReply{CommonCaps: Caps{1}})
	p := b[4+TicketPubkeyBytes:]
	wire.PutUint32(p[0:4], 5)
	_, err := DecodeLinkReply(b, uint32(len(b)))
	if !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestLinkReplyTruncated(t *testing.T) {
	b := EncodeLinkReply(&LinkReply{})
	_, err := DecodeLinkReply(b[:100], 100)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestWriteReadLink(t *testing.T) {
	mess := &LinkMess{ConnectionID: 42, ChannelType: ChannelInputs, CommonCaps: NewCaps(CapMiniHeader)}
	var buf bytes.Buffer
	if err := WriteLink(&buf, VersionMajor, VersionMinor, EncodeLinkMess(mess)); err != nil {
		t.Fatal(err)
	}
	h, body, err := ReadLink(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.MajorVersion != VersionMajor || h.MinorVersion != VersionMinor {
		t.Fatalf("version = %d.%d", h.MajorVersion, h.MinorVersion)
	}
	decoded, err := DecodeLinkMess(body, h.Size)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(mess, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("link mess mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLinkBodyTooLarge(t *testing.T) {
	r := bytes.NewReader(EncodeLinkHeader(2, 2, MaxLinkBodySize+1))
	_, _, err := ReadLink(r)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestLinkErrorString(t *testing.T) {
	if LinkNeedSecured.String() != "need secured" {
		t.Fatalf("got %q", LinkNeedSecured.String())
	}
	if LinkError(99).String() != "link error 99" {
		t.Fatalf("got %q", LinkError(99).String())
	}
}

// --- Fuzz tests ---

func FuzzDecodeLinkHeader(f *testing.F) {
	f.Add(EncodeLinkHeader(2, 2, 18))
	f.Add([]byte("REDQ"))
	f.Fuzz(func(t *testing.T, data []byte) {
		DecodeLinkHeader(data)
	})
}

func FuzzDecodeLinkMess(f *testing.F) {
	f.Add(EncodeLinkMess(&LinkMess{ChannelType: ChannelMain, CommonCaps: Caps{9}}), uint32(22))
	f.Add(make([]byte, LinkMessSize), uint32(LinkMessSize))
	f.Fuzz(func(t *testing.T, data []byte, declared uint32) {
		DecodeLinkMess(data, declared)
	})
}

func FuzzDecodeLinkReply(f *testing.F) {
	f.Add(EncodeLinkReply(&LinkReply{ChannelCaps: Caps{1}}), uint32(LinkReplySize+4))
	f.Fuzz(func(t *testing.T, data []byte, declared uint32) {
		DecodeLinkReply(data, declared)
	})
}

func FuzzRoundTripLinkHeader(f *testing.F) {
	f.Add(uint32(2), uint32(2), uint32(0))
	f.Add(uint32(1<<32-1), uint32(0), uint32(1<<32-1))
	f.Fuzz(func(t *testing.T, major, minor, size uint32) {
		h, err := DecodeLinkHeader(EncodeLinkHeader(major, minor, size))
		if err != nil {
			t.Fatal(err)
		}
		if h.MajorVersion != major || h.MinorVersion != minor || h.Size != size {
			t.Fatalf("got %+v, want %d.%d size %d", h, major, minor, size)
		}
	})
}
