package vdiport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/chronologos/spicelink/internal/coalesce"
)

const (
	readBufSize = 4096

	// DefaultMaxPoll bounds the idle sleep between ring polls.
	DefaultMaxPoll = 10 * time.Millisecond
)

// StreamConfig tunes Pump and Drain. The zero value is usable.
type StreamConfig struct {
	// Delay is the coalescing deadline for Pump. Zero selects
	// coalesce.DefaultDelay.
	Delay time.Duration

	// MaxWait bounds how long Pump waits for a free slot before failing
	// with ErrRingFull. Zero waits until the context is done.
	MaxWait time.Duration

	// MaxPoll caps the exponential poll interval. Zero selects
	// DefaultMaxPoll.
	MaxPoll time.Duration
}

func (cfg StreamConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = cfg.MaxPoll
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxPoll
	}
	b.MaxElapsedTime = cfg.MaxWait
	return backoff.WithContext(b, ctx)
}

type readResult struct {
	data []byte
	err  error
}

// Pump copies r into the producer's ring until r returns io.EOF or ctx is
// done. Small reads are coalesced into full packets; when the ring is full,
// Pump backs off and retries. Every push the consumer asked to hear about
// raises InterruptPending. Pump returns nil on EOF once everything read has
// been published.
//
// The reader goroutine outlives Pump if r.Read blocks past cancellation.
func Pump(ctx context.Context, r io.Reader, p *Producer, cfg StreamConfig) error {
	readCh := make(chan readResult, 4)
	go func() {
		defer close(readCh)
		for {
			buf := make([]byte, readBufSize)
			n, err := r.Read(buf)
			if n > 0 || err != nil {
				select {
				case readCh <- readResult{data: buf[:n], err: err}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	coal := coalesce.New(PacketDataSize, cfg.Delay)
	defer coal.Stop()

	for {
		select {
		case res, ok := <-readCh:
			if !ok {
				return ctx.Err()
			}
			if coal.Add(res.data) {
				if err := publish(ctx, p, coal.Flush(), cfg); err != nil {
					return err
				}
			}
			if res.err != nil {
				if err := publish(ctx, p, coal.Flush(), cfg); err != nil {
					return err
				}
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return res.err
			}

		case <-coal.Timer():
			if err := publish(ctx, p, coal.Flush(), cfg); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// publish splits data into packets and pushes each one, waiting for room.
func publish(ctx context.Context, p *Producer, data []byte, cfg StreamConfig) error {
	for len(data) > 0 {
		n := min(len(data), PacketDataSize)
		chunk := data[:n]
		op := func() error {
			notify, err := p.Push(chunk)
			if errors.Is(err, ErrRingFull) {
				p.Wait()
				return err
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			if notify {
				p.ring.ram.RaiseInterrupt(InterruptPending)
			}
			return nil
		}
		if err := backoff.Retry(op, cfg.backOff(ctx)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// Drain copies packets from the consumer's ring to w until ctx is done or w
// fails. A generation change resynchronizes the consumer and carries on;
// malformed slots are logged and skipped. Drain returns ctx.Err() when
// cancelled.
func Drain(ctx context.Context, c *Consumer, w io.Writer, cfg StreamConfig) error {
	ram := c.ring.ram
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, notify, err := c.Pop()
		if notify {
			ram.RaiseInterrupt(InterruptPending)
		}
		switch {
		case err == nil:
			if _, err := w.Write(pkt.Data); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrGenerationChanged):
			c.log.WithError(err).Warn("ring generation changed")
			c.Resync()
			continue
		case errors.Is(err, ErrBadPacket):
			ram.metrics.DecodeError("vdiport_packet")
			c.log.WithError(err).Warn("skipping malformed packet")
			continue
		case !errors.Is(err, ErrRingEmpty):
			return err
		}

		wait := func() error {
			if c.Wait() || ram.Generation() != c.gen {
				return nil
			}
			return ErrRingEmpty
		}
		idle := cfg
		idle.MaxWait = 0
		if err := backoff.Retry(wait, idle.backOff(ctx)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
