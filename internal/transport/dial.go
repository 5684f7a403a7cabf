// Package transport opens the byte streams the protocol packages run over:
// TCP or TLS connections to a SPICE server, and the local sockets the
// controller and foreign menu protocols use.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	defaultRetryFor       = 30 * time.Second
)

// DialConfig says where and how to connect.
type DialConfig struct {
	Network string // "tcp", "unix", ...
	Address string

	// TLS, when set, wraps the connection in a TLS client.
	TLS *tls.Config

	// AttemptTimeout bounds each connection attempt. Zero means 10s.
	AttemptTimeout time.Duration

	// RetryFor bounds the total time spent retrying. Zero means 30s; a
	// negative value disables retries.
	RetryFor time.Duration

	Log *logrus.Entry
}

// Dial connects, retrying with exponential backoff until RetryFor elapses or
// ctx is done. TLS handshake failures are not retried.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"network": cfg.Network, "address": cfg.Address})

	attempt := cfg.AttemptTimeout
	if attempt <= 0 {
		attempt = defaultAttemptTimeout
	}

	var conn net.Conn
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, attempt)
		defer cancel()

		d := &net.Dialer{}
		c, err := d.DialContext(actx, cfg.Network, cfg.Address)
		if err != nil {
			log.WithError(err).Debug("dial failed")
			return err
		}
		if cfg.TLS != nil {
			tc := tls.Client(c, cfg.TLS)
			if err := tc.HandshakeContext(actx); err != nil {
				c.Close()
				return backoff.Permanent(fmt.Errorf("TLS handshake: %w", err))
			}
			c = tc
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	switch {
	case cfg.RetryFor < 0:
		if err := op(); err != nil {
			if perm, ok := err.(*backoff.PermanentError); ok {
				err = perm.Err
			}
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
		return conn, nil
	case cfg.RetryFor == 0:
		b.MaxElapsedTime = defaultRetryFor
	default:
		b.MaxElapsedTime = cfg.RetryFor
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	log.Debug("connected")
	return conn, nil
}
