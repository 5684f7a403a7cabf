package vdiport

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chronologos/spicelink/internal/metrics"
)

// alignedRegion returns a zeroed, 4-byte aligned region of RamSize bytes.
func alignedRegion() []byte {
	words := make([]uint32, (RamSize+3)/4)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), RamSize)
}

func newTestRam(t *testing.T, reg *prometheus.Registry) *Ram {
	t.Helper()
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}
	ram, err := NewRam(alignedRegion(), Options{Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	ram.Init()
	return ram
}

func ringEvents(t *testing.T, reg *prometheus.Registry, ring, event string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != metrics.Namespace+"_vdiport_ring_events_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["ring"] == ring && labels["event"] == event {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLayout(t *testing.T) {
	if RamSize != 32952 {
		t.Fatalf("RamSize = %d, want 32952", RamSize)
	}
	if OutputRingOffset != 16548 {
		t.Fatalf("OutputRingOffset = %d, want 16548", OutputRingOffset)
	}
}

func TestNewRamRejectsSmallRegion(t *testing.T) {
	_, err := NewRam(make([]byte, RamSize-1), Options{})
	if !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("expected ErrRegionTooSmall, got %v", err)
	}
}

func TestAttachChecksMagic(t *testing.T) {
	ram, err := NewRam(alignedRegion(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ram.Attach(); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("unformatted region: expected ErrBadMagic, got %v", err)
	}
	ram.Init()
	if err := ram.Attach(); err != nil {
		t.Fatalf("formatted region: %v", err)
	}
}

func TestFillAndDrain(t *testing.T) {
	reg := prometheus.NewRegistry()
	ram := newTestRam(t, reg)
	p := ram.Input().Producer()
	c := ram.Input().Consumer()

	for i := 0; i < RingSize; i++ {
		if _, err := p.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if _, err := p.Push([]byte{0xff}); !errors.Is(err, ErrRingFull) {
		t.Fatalf("push 33: expected ErrRingFull, got %v", err)
	}
	if n := ram.Input().Len(); n != RingSize {
		t.Fatalf("Len = %d, want %d", n, RingSize)
	}

	for i := 0; i < RingSize; i++ {
		pkt, _, err := c.Pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, []byte{byte(i)}) {
			t.Fatalf("pop %d: got %v", i, pkt.Data)
		}
	}
	if _, _, err := c.Pop(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("expected ErrRingEmpty, got %v", err)
	}

	if got := ringEvents(t, reg, "input", metrics.RingFull); got != 1 {
		t.Fatalf("full events = %v, want 1", got)
	}
	if got := ringEvents(t, reg, "input", metrics.RingPopped); got != RingSize {
		t.Fatalf("popped events = %v, want %d", got, RingSize)
	}
}

func TestRingsAreIndependent(t *testing.T) {
	ram := newTestRam(t, nil)
	if _, err := ram.Output().Producer().Push([]byte("out")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ram.Input().Consumer().Pop(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("input ring saw output traffic: %v", err)
	}
	pkt, _, err := ram.Output().Consumer().Pop()
	if err != nil || string(pkt.Data) != "out" {
		t.Fatalf("output pop = %q, %v", pkt.Data, err)
	}
}

func TestPacketTooLarge(t *testing.T) {
	ram := newTestRam(t, nil)
	p := ram.Input().Producer()
	if _, err := p.Push(make([]byte, PacketDataSize)); err != nil {
		t.Fatalf("max size packet: %v", err)
	}
	if _, err := p.Push(make([]byte, PacketDataSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestIndexWraparound(t *testing.T) {
	ram := newTestRam(t, nil)
	ring := ram.Input()
	start := ^uint32(0) - 5
	ring.word(offProd).Store(start)
	ring.word(offCons).Store(start)

	p := ring.Producer()
	c := ring.Consumer()
	for i := 0; i < 3*RingSize; i++ {
		if _, err := p.Push([]byte{byte(i), byte(i >> 8)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		pkt, _, err := c.Pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if pkt.Data[0] != byte(i) || pkt.Data[1] != byte(i>>8) {
			t.Fatalf("pop %d: got %v", i, pkt.Data)
		}
	}
	if got := ring.word(offProd).Load(); got != start+3*RingSize {
		t.Fatalf("prod = %d, want %d", got, start+3*RingSize)
	}
}

func TestFullAcrossWraparound(t *testing.T) {
	ram := newTestRam(t, nil)
	ring := ram.Input()
	ring.word(offProd).Store(^uint32(0) - 2)
	ring.word(offCons).Store(^uint32(0) - 2)

	p := ring.Producer()
	for i := 0; i < RingSize; i++ {
		if _, err := p.Push(nil); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if _, err := p.Push(nil); !errors.Is(err, ErrRingFull) {
		t.Fatalf("expected ErrRingFull after wrap, got %v", err)
	}
}

func TestGenerationChangeAndResync(t *testing.T) {
	reg := prometheus.NewRegistry()
	ram := newTestRam(t, reg)
	p := ram.Input().Producer()
	c := ram.Input().Consumer()

	for i := 0; i < 3; i++ {
		p.Push([]byte("old"))
	}
	if g := ram.BumpGeneration(); g != 1 {
		t.Fatalf("BumpGeneration = %d, want 1", g)
	}

	if _, _, err := c.Pop(); !errors.Is(err, ErrGenerationChanged) {
		t.Fatalf("expected ErrGenerationChanged, got %v", err)
	}
	// Still refused until the consumer resyncs.
	if _, _, err := c.Pop(); !errors.Is(err, ErrGenerationChanged) {
		t.Fatalf("expected ErrGenerationChanged again, got %v", err)
	}

	c.Resync()
	if c.Generation() != 1 {
		t.Fatalf("consumer generation = %d, want 1", c.Generation())
	}
	if _, _, err := c.Pop(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("old packets survived resync: %v", err)
	}

	p.Push([]byte("new"))
	pkt, _, err := c.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Gen != 1 || string(pkt.Data) != "new" {
		t.Fatalf("got %+v", pkt)
	}
	if got := ringEvents(t, reg, "input", metrics.RingResync); got != 1 {
		t.Fatalf("resync events = %v, want 1", got)
	}
}

func TestStalePacketsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	ram := newTestRam(t, reg)
	p := ram.Input().Producer()
	p.Push([]byte("stale 1"))
	p.Push([]byte("stale 2"))

	ram.BumpGeneration()
	// A consumer joining now starts at the old cons index.
	c := ram.Input().Consumer()
	p.Push([]byte("fresh"))

	pkt, _, err := c.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt.Data) != "fresh" {
		t.Fatalf("got %q, want the fresh packet", pkt.Data)
	}
	if got := ringEvents(t, reg, "input", metrics.RingStale); got != 2 {
		t.Fatalf("stale events = %v, want 2", got)
	}
}

func TestBadPacketSizeSkipped(t *testing.T) {
	ram := newTestRam(t, nil)
	ring := ram.Input()
	p := ring.Producer()
	c := ring.Consumer()
	p.Push([]byte("corrupt me"))
	p.Push([]byte("fine"))
	native.PutUint32(ring.slot(0)[4:8], PacketDataSize+1)

	if _, _, err := c.Pop(); !errors.Is(err, ErrBadPacket) {
		t.Fatalf("expected ErrBadPacket, got %v", err)
	}
	pkt, _, err := c.Pop()
	if err != nil || string(pkt.Data) != "fine" {
		t.Fatalf("next pop = %q, %v", pkt.Data, err)
	}
}

func TestConsumerWaitNotifiesProducer(t *testing.T) {
	ram := newTestRam(t, nil)
	p := ram.Input().Producer()
	c := ram.Input().Consumer()

	// Init arms notify_on_prod for the very first packet.
	notify, _ := p.Push([]byte("a"))
	if !notify {
		t.Fatal("first push should notify")
	}
	notify, _ = p.Push([]byte("b"))
	if notify {
		t.Fatal("second push should not notify")
	}
	c.Pop()
	c.Pop()

	if c.Wait() {
		t.Fatal("Wait reported data on an empty ring")
	}
	notify, _ = p.Push([]byte("c"))
	if !notify {
		t.Fatal("push after Consumer.Wait should notify")
	}
	if !c.Wait() {
		t.Fatal("Wait should see the pending packet")
	}
}

func TestProducerWaitNotifiesConsumer(t *testing.T) {
	ram := newTestRam(t, nil)
	p := ram.Input().Producer()
	c := ram.Input().Consumer()
	for i := 0; i < RingSize; i++ {
		p.Push(nil)
	}
	if p.Wait() {
		t.Fatal("Wait reported room in a full ring")
	}
	_, notify, err := c.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if !notify {
		t.Fatal("pop after Producer.Wait should notify")
	}
	if !p.Wait() {
		t.Fatal("Wait should see the free slot")
	}
}

func TestInterrupts(t *testing.T) {
	ram := newTestRam(t, nil)
	if ram.RaiseInterrupt(InterruptPending) {
		t.Fatal("masked interrupt reported as deliverable")
	}
	ram.SetInterruptMask(InterruptPending)
	if ram.InterruptMask() != InterruptPending {
		t.Fatalf("mask = %#x", ram.InterruptMask())
	}
	if !ram.RaiseInterrupt(InterruptPending) {
		t.Fatal("unmasked interrupt not reported")
	}
	if got := ram.TakeInterrupt(); got != InterruptPending {
		t.Fatalf("TakeInterrupt = %#x, want %#x", got, InterruptPending)
	}
	if got := ram.TakeInterrupt(); got != 0 {
		t.Fatalf("TakeInterrupt after clear = %#x", got)
	}
}

func TestTwoViewsShareRegion(t *testing.T) {
	mem := alignedRegion()
	host, err := NewRam(mem, Options{})
	if err != nil {
		t.Fatal(err)
	}
	host.Init()
	guest, err := NewRam(mem, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := guest.Attach(); err != nil {
		t.Fatal(err)
	}

	host.Input().Producer().Push([]byte("to guest"))
	pkt, _, err := guest.Input().Consumer().Pop()
	if err != nil || string(pkt.Data) != "to guest" {
		t.Fatalf("guest pop = %q, %v", pkt.Data, err)
	}

	host.BumpGeneration()
	if guest.Generation() != 1 {
		t.Fatalf("guest sees generation %d", guest.Generation())
	}
}
