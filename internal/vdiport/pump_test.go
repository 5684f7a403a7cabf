package vdiport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// cancelAfter collects writes and cancels once it holds want bytes.
type cancelAfter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	want   int
	cancel context.CancelFunc
}

func (w *cancelAfter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.buf.Write(p)
	if w.buf.Len() >= w.want {
		w.cancel()
	}
	return n, nil
}

func (w *cancelAfter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

func TestPumpDrainIntegrity(t *testing.T) {
	// Several times the ring capacity, so the producer must wait on the
	// consumer.
	input := make([]byte, 40*RingSize*PacketDataSize+123)
	rand.New(rand.NewSource(1)).Read(input)

	ram := newTestRam(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	drainCtx, stopDrain := context.WithCancel(gctx)
	out := &cancelAfter{want: len(input), cancel: stopDrain}

	g.Go(func() error {
		return Pump(gctx, bytes.NewReader(input), ram.Input().Producer(), StreamConfig{})
	})
	g.Go(func() error {
		err := Drain(drainCtx, ram.Input().Consumer(), out, StreamConfig{})
		if errors.Is(err, context.Canceled) && gctx.Err() == nil {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := out.Bytes(); !bytes.Equal(got, input) {
		t.Fatalf("drained %d bytes, want %d (content mismatch)", len(got), len(input))
	}
}

func TestPumpCoalescesSmallWrites(t *testing.T) {
	ram := newTestRam(t, nil)
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), pr, ram.Input().Producer(), StreamConfig{Delay: 20 * time.Millisecond})
	}()

	for i := 0; i < 10; i++ {
		pw.Write([]byte("0123456789"))
	}
	pw.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	c := ram.Input().Consumer()
	var got []byte
	packets := 0
	for {
		pkt, _, err := c.Pop()
		if errors.Is(err, ErrRingEmpty) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		packets++
		got = append(got, pkt.Data...)
	}
	if len(got) != 100 {
		t.Fatalf("got %d bytes, want 100", len(got))
	}
	if packets >= 10 {
		t.Fatalf("%d packets for 10 small writes, expected coalescing", packets)
	}
}

func TestPumpGivesUpAfterMaxWait(t *testing.T) {
	ram := newTestRam(t, nil)
	input := make([]byte, (RingSize+2)*PacketDataSize)

	start := time.Now()
	err := Pump(context.Background(), bytes.NewReader(input), ram.Input().Producer(), StreamConfig{MaxWait: 50 * time.Millisecond})
	if !errors.Is(err, ErrRingFull) {
		t.Fatalf("expected ErrRingFull, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Pump waited far past MaxWait")
	}
	if n := ram.Input().Len(); n != RingSize {
		t.Fatalf("ring holds %d packets, want %d", n, RingSize)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	ram := newTestRam(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- Pump(ctx, pr, ram.Input().Producer(), StreamConfig{}) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

func TestDrainResyncsAfterGenerationBump(t *testing.T) {
	ram := newTestRam(t, nil)
	p := ram.Input().Producer()
	c := ram.Input().Consumer()
	p.Push([]byte("lost"))
	ram.BumpGeneration()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &cancelAfter{want: len("kept"), cancel: cancel}

	// Resync discards whatever was published before it, so keep publishing
	// until the consumer has caught up and delivered something.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			p.Push([]byte("kept"))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	err := Drain(ctx, c, out, StreamConfig{})
	wg.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := out.Bytes()
	if !bytes.HasPrefix(got, []byte("kept")) || bytes.Contains(got, []byte("lost")) {
		t.Fatalf("drained %q", got)
	}
}
