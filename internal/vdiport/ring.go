package vdiport

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/metrics"
)

// Packet is one ring slot's payload. Gen is the generation the producer
// stamped it with.
type Packet struct {
	Gen  uint32
	Data []byte
}

// Ring is one direction of the region. Take exactly one Producer and one
// Consumer from it, normally in different processes.
type Ring struct {
	ram  *Ram
	off  int
	name string
}

func (r *Ring) Name() string { return r.name }

func (r *Ring) word(off int) *atomic.Uint32 { return r.ram.word(r.off + off) }

func (r *Ring) slot(idx uint32) []byte {
	start := r.off + offItems + int(idx&ringMask)*PacketSize
	return r.ram.mem[start : start+PacketSize : start+PacketSize]
}

// Len returns the number of packets published and not yet consumed.
func (r *Ring) Len() int {
	return int(r.word(offProd).Load() - r.word(offCons).Load())
}

// Producer returns the writing end.
func (r *Ring) Producer() *Producer {
	return &Producer{
		ring: r,
		prod: r.word(offProd).Load(),
		log:  r.ram.log.WithFields(logrus.Fields{"ring": r.name, "role": "producer"}),
	}
}

// Consumer returns the reading end, synchronized to the current generation
// and indices.
func (r *Ring) Consumer() *Consumer {
	return &Consumer{
		ring: r,
		cons: r.word(offCons).Load(),
		gen:  r.ram.Generation(),
		log:  r.ram.log.WithFields(logrus.Fields{"ring": r.name, "role": "consumer"}),
	}
}

// Producer pushes packets into a ring. It is not safe for concurrent use.
type Producer struct {
	ring *Ring
	prod uint32 // private copy of the index we own
	log  *logrus.Entry
}

// Push copies data into the next free slot, stamps it with the current
// generation and publishes it. notify reports that the consumer asked to be
// woken at this index (see Consumer.Wait).
func (p *Producer) Push(data []byte) (notify bool, err error) {
	if len(data) > PacketDataSize {
		return false, fmt.Errorf("%w: %d bytes, max %d", ErrPacketTooLarge, len(data), PacketDataSize)
	}
	r := p.ring
	if p.prod-r.word(offCons).Load() >= RingSize {
		r.ram.metrics.RingEvent(r.name, metrics.RingFull)
		return false, ErrRingFull
	}

	slot := r.slot(p.prod)
	native.PutUint32(slot[0:4], r.ram.Generation())
	native.PutUint32(slot[4:8], uint32(len(data)))
	copy(slot[8:], data)

	p.prod++
	r.word(offProd).Store(p.prod)
	r.ram.metrics.RingEvent(r.name, metrics.RingPushed)

	notify = p.prod == r.word(offNotifyOnProd).Load()
	if notify {
		r.ram.metrics.RingEvent(r.name, metrics.RingNotify)
	}
	return notify, nil
}

// Wait asks the consumer to report when it frees the next slot, then
// reports whether a slot is already free so the caller need not sleep.
func (p *Producer) Wait() (ready bool) {
	r := p.ring
	r.word(offNotifyOnCons).Store(r.word(offCons).Load() + 1)
	return p.prod-r.word(offCons).Load() < RingSize
}

// Consumer pops packets from a ring. It is not safe for concurrent use.
type Consumer struct {
	ring *Ring
	cons uint32 // private copy of the index we own
	gen  uint32 // generation we are synchronized to
	log  *logrus.Entry
}

// Generation returns the generation the consumer is synchronized to.
func (c *Consumer) Generation() uint32 { return c.gen }

// Pop returns the next packet of the current generation. Packets stamped with
// an older generation are consumed and dropped. After the region's
// generation changes, Pop returns ErrGenerationChanged until Resync is
// called. notify reports that the producer asked to be woken at this index.
func (c *Consumer) Pop() (pkt Packet, notify bool, err error) {
	r := c.ring
	for {
		if g := r.ram.Generation(); g != c.gen {
			return Packet{}, notify, fmt.Errorf("%w: synchronized to %d, region at %d", ErrGenerationChanged, c.gen, g)
		}
		if c.cons == r.word(offProd).Load() {
			r.ram.metrics.RingEvent(r.name, metrics.RingEmpty)
			return Packet{}, notify, ErrRingEmpty
		}

		slot := r.slot(c.cons)
		gen := native.Uint32(slot[0:4])
		size := native.Uint32(slot[4:8])
		var data []byte
		if size <= PacketDataSize {
			data = make([]byte, size)
			copy(data, slot[8:8+size])
		}

		c.cons++
		r.word(offCons).Store(c.cons)
		if c.cons == r.word(offNotifyOnCons).Load() {
			notify = true
		}

		if size > PacketDataSize {
			return Packet{}, notify, fmt.Errorf("%w: slot declares %d bytes", ErrBadPacket, size)
		}
		if gen != c.gen {
			r.ram.metrics.RingEvent(r.name, metrics.RingStale)
			c.log.WithFields(logrus.Fields{"packet_gen": gen, "gen": c.gen}).Debug("dropping stale packet")
			continue
		}
		r.ram.metrics.RingEvent(r.name, metrics.RingPopped)
		return Packet{Gen: gen, Data: data}, notify, nil
	}
}

// Resync adopts the region's current generation and discards everything
// published so far.
func (c *Consumer) Resync() {
	r := c.ring
	c.gen = r.ram.Generation()
	c.cons = r.word(offProd).Load()
	r.word(offCons).Store(c.cons)
	r.ram.metrics.RingEvent(r.name, metrics.RingResync)
	c.log.WithField("generation", c.gen).Info("consumer resynchronized")
}

// Wait asks the producer to report when it publishes the next packet, then
// reports whether one is already there so the caller need not sleep.
func (c *Consumer) Wait() (ready bool) {
	r := c.ring
	r.word(offNotifyOnProd).Store(r.word(offProd).Load() + 1)
	return c.cons != r.word(offProd).Load()
}
