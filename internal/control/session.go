package control

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/auth"
	"github.com/chronologos/spicelink/internal/metrics"
)

// State is a session's position in its lifecycle.
type State int

const (
	Unconnected State = iota
	AwaitingInit
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case AwaitingInit:
		return "awaiting-init"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrNotActive = errors.New("control: session not active")

// Config configures a Session.
type Config struct {
	Protocol Protocol

	// Credentials the peer's init must carry. Zero accepts any.
	Credentials uint64

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Session is one end of a control connection. Recv is for a single reader
// goroutine; Send may be called concurrently with it.
type Session struct {
	id      uuid.UUID
	rw      io.ReadWriter
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	init    Init
	writeMu sync.Mutex
}

func newSession(rw io.ReadWriter, cfg Config) *Session {
	id := uuid.New()
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		id:      id,
		rw:      rw,
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"protocol": cfg.Protocol.Name, "session": id.String()}),
		metrics: cfg.Metrics,
		state:   Unconnected,
	}
}

// Accept runs the listening side of the handshake on rw: it waits for the
// peer's init message and checks it. On success the session is Active; on
// any failure it is Closed and the error says why. The session is returned
// either way.
func Accept(rw io.ReadWriter, cfg Config) (*Session, error) {
	s := newSession(rw, cfg)
	s.setState(AwaitingInit)

	init, err := cfg.Protocol.ReadInit(rw)
	if err == nil && !auth.VerifyCredentials(cfg.Credentials, init.Credentials) {
		err = ErrBadCredentials
	}
	if err != nil {
		s.metrics.DecodeError(cfg.Protocol.Name + "_init")
		s.log.WithError(err).Warn("rejecting control connection")
		s.Close()
		return s, err
	}

	s.mu.Lock()
	s.init = init
	s.mu.Unlock()
	s.activate()
	return s, nil
}

// Connect runs the initiating side: it sends the init message carrying
// credentials and tail. The session is Active once the write succeeds.
func Connect(rw io.ReadWriter, cfg Config, tail []byte) (*Session, error) {
	s := newSession(rw, cfg)
	s.setState(AwaitingInit)
	if _, err := rw.Write(cfg.Protocol.EncodeInit(cfg.Credentials, tail)); err != nil {
		s.Close()
		return s, fmt.Errorf("send init: %w", err)
	}
	s.mu.Lock()
	s.init = Init{
		InitHeader: InitHeader{
			Magic:   cfg.Protocol.Magic,
			Version: cfg.Protocol.Version,
			Size:    uint32(InitHeaderSize + 8 + len(tail)),
		},
		Credentials: cfg.Credentials,
		Tail:        tail,
	}
	s.mu.Unlock()
	s.activate()
	return s, nil
}

func (s *Session) activate() {
	s.setState(Active)
	s.metrics.SessionOpened(s.cfg.Protocol.Name)
	s.log.Debug("control session active")
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Protocol() Protocol { return s.cfg.Protocol }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init returns the init message the session was opened with.
func (s *Session) Init() Init {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init
}

// Recv reads the next message. When the peer closes the connection the
// session moves to Closed and Recv returns io.EOF.
func (s *Session) Recv() (Msg, error) {
	if st := s.State(); st != Active {
		return Msg{}, fmt.Errorf("%w: %s", ErrNotActive, st)
	}
	m, err := ReadMsg(s.rw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.log.Debug("peer closed control session")
		} else {
			s.log.WithError(err).Warn("control session read failed")
		}
		s.Close()
		return Msg{}, err
	}
	s.metrics.ControlMessage(s.cfg.Protocol.Name, metrics.Received)
	s.log.WithFields(logrus.Fields{"id": m.ID, "size": len(m.Body)}).Trace("control message received")
	return m, nil
}

// Send writes one message.
func (s *Session) Send(id uint32, body []byte) error {
	if st := s.State(); st != Active {
		return fmt.Errorf("%w: %s", ErrNotActive, st)
	}
	s.writeMu.Lock()
	err := WriteMsg(s.rw, id, body)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.metrics.ControlMessage(s.cfg.Protocol.Name, metrics.Sent)
	return nil
}

// SendMsg writes m.
func (s *Session) SendMsg(m Msg) error { return s.Send(m.ID, m.Body) }

// Close moves the session to Closed and closes the underlying stream if it
// is an io.Closer. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	s.state = Closed
	s.mu.Unlock()
	if prev == Closed {
		return nil
	}
	if prev == Active {
		s.metrics.SessionClosed(s.cfg.Protocol.Name)
	}
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
