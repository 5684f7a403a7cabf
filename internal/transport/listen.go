package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ListenUnix listens on a Unix socket at path, replacing a stale socket
// file left by a previous run.
func ListenUnix(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}

// Handler serves one accepted connection. Serve closes the connection when
// the handler returns.
type Handler func(ctx context.Context, conn net.Conn) error

// Serve accepts connections on ln until ctx is done, running handle for
// each on its own goroutine. It closes ln, waits for running handlers and
// returns nil on cancellation. Handler errors are logged, not returned.
func Serve(ctx context.Context, ln net.Listener, handle Handler, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("listen", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the listener is what unblocks Accept on cancellation.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Unblock handler reads on shutdown.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			defer conn.Close()

			l := log.WithField("remote", conn.RemoteAddr().String())
			l.Debug("accepted connection")
			if err := handle(ctx, conn); err != nil {
				l.WithError(err).Warn("connection handler failed")
			}
		}()
	}
}
