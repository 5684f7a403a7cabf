// Package vdiport implements the VDI port shared-memory region: a header with
// a generation counter and interrupt words, and two fixed rings of 512-byte
// packets, one per direction.
//
// Each ring has exactly one producer and one consumer. The producer is the
// only writer of prod and notify_on_cons; the consumer is the only writer of
// cons and notify_on_prod. Index stores are releases and index loads are
// acquires, so a packet's bytes are visible before the index that publishes
// it. Indices run freely and wrap at 2^32; slots are picked with a mask.
//
// The region uses host byte order: both sides of the mapping share a CPU.
package vdiport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/metrics"
)

// Layout constants.
const (
	Magic = uint32('V') | uint32('D')<<8 | uint32('I')<<16 | uint32('P')<<24

	RingSize       = 32
	PacketSize     = 512
	PacketDataSize = PacketSize - 8

	ringHeaderSize = 20
	RingBytes      = ringHeaderSize + RingSize*PacketSize

	InputRingOffset  = 16
	reservedBytes    = 32 * 4
	OutputRingOffset = InputRingOffset + RingBytes + reservedBytes
	RamSize          = OutputRingOffset + RingBytes
)

// Header word offsets.
const (
	offMagic      = 0
	offGeneration = 4
	offIntPending = 8
	offIntMask    = 12
)

// Ring word offsets, relative to the ring.
const (
	offNumItems     = 0
	offProd         = 4
	offNotifyOnProd = 8
	offCons         = 12
	offNotifyOnCons = 16
	offItems        = ringHeaderSize
)

// InterruptPending is the interrupt bit raised when a ring needs attention.
const InterruptPending uint32 = 1 << 0

const ringMask = RingSize - 1

var native = binary.NativeEndian

var (
	ErrBadMagic          = errors.New("vdiport: bad magic")
	ErrRegionTooSmall    = errors.New("vdiport: region too small")
	ErrUnaligned         = errors.New("vdiport: region not 4-byte aligned")
	ErrBadRing           = errors.New("vdiport: ring has wrong item count")
	ErrRingFull          = errors.New("vdiport: ring full")
	ErrRingEmpty         = errors.New("vdiport: ring empty")
	ErrGenerationChanged = errors.New("vdiport: generation changed")
	ErrPacketTooLarge    = errors.New("vdiport: packet too large")
	ErrBadPacket         = errors.New("vdiport: bad packet size")
)

// Options for NewRam.
type Options struct {
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Ram is a view over a VDIPortRam region. It does not own the memory.
type Ram struct {
	mem     []byte
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewRam wraps mem, which must hold at least RamSize bytes starting at a
// 4-byte aligned address. Call Init to format a fresh region or Attach to
// join one the other side formatted.
func NewRam(mem []byte, opts Options) (*Ram, error) {
	if len(mem) < RamSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrRegionTooSmall, len(mem), RamSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrUnaligned
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ram{mem: mem[:RamSize:RamSize], log: log, metrics: opts.Metrics}, nil
}

// word returns the shared 32-bit word at off.
func (r *Ram) word(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

// Init formats the region: both rings empty, generation 0, no interrupts.
// Only the side that creates the region calls it, before the other attaches.
func (r *Ram) Init() {
	clear(r.mem)
	for _, off := range []int{InputRingOffset, OutputRingOffset} {
		r.word(off + offNumItems).Store(RingSize)
		r.word(off + offNotifyOnProd).Store(1)
	}
	r.word(offMagic).Store(Magic)
	r.log.WithField("size", RamSize).Debug("vdiport ram initialized")
}

// Attach checks that the region was formatted by Init.
func (r *Ram) Attach() error {
	if m := r.word(offMagic).Load(); m != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, m)
	}
	for _, off := range []int{InputRingOffset, OutputRingOffset} {
		if n := r.word(off + offNumItems).Load(); n != RingSize {
			return fmt.Errorf("%w: %d", ErrBadRing, n)
		}
	}
	return nil
}

func (r *Ram) Generation() uint32 { return r.word(offGeneration).Load() }

// BumpGeneration invalidates everything in flight. Consumers see
// ErrGenerationChanged until they Resync.
func (r *Ram) BumpGeneration() uint32 {
	g := r.word(offGeneration).Add(1)
	r.log.WithField("generation", g).Info("vdiport generation bumped")
	return g
}

// RaiseInterrupt sets bits in int_pending and reports whether any pending bit
// is unmasked.
func (r *Ram) RaiseInterrupt(bits uint32) bool {
	old := r.word(offIntPending).Or(bits)
	return (old|bits)&r.word(offIntMask).Load() != 0
}

// TakeInterrupt clears int_pending and returns what was set.
func (r *Ram) TakeInterrupt() uint32 { return r.word(offIntPending).Swap(0) }

func (r *Ram) SetInterruptMask(mask uint32) { r.word(offIntMask).Store(mask) }

func (r *Ram) InterruptMask() uint32 { return r.word(offIntMask).Load() }

// Input and Output return the two rings.
func (r *Ram) Input() *Ring  { return &Ring{ram: r, off: InputRingOffset, name: "input"} }
func (r *Ram) Output() *Ring { return &Ring{ram: r, off: OutputRingOffset, name: "output"} }
