package channel

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spicelink/internal/auth"
	"github.com/chronologos/spicelink/internal/metrics"
	"github.com/chronologos/spicelink/internal/protocol"
)

var (
	ErrLinkRejected     = errors.New("link rejected")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrNoAuthMechanism  = errors.New("no compatible auth mechanism")
	ErrMissingTicketKey = errors.New("ticket key required")
)

// RejectError carries the link error code a peer (or this side) answered
// with. It wraps ErrLinkRejected.
type RejectError struct {
	Stage string // "reply" or "auth"
	Code  protocol.LinkError
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v at %s: %s", ErrLinkRejected, e.Stage, e.Code)
}

func (e *RejectError) Unwrap() error { return ErrLinkRejected }

// DefaultCommonCaps is what Link and AcceptLink advertise when the config
// leaves CommonCaps nil.
func DefaultCommonCaps() protocol.Caps {
	return protocol.NewCaps(protocol.CapProtocolAuthSelection, protocol.CapAuthSpice, protocol.CapMiniHeader)
}

// LinkConfig is the client side of a link.
type LinkConfig struct {
	ConnectionID uint32 // 0 for the main channel; the session id for the rest
	Type         protocol.ChannelType
	ID           uint8
	CommonCaps   protocol.Caps
	ChannelCaps  protocol.Caps
	Password     string
	AutoAck      bool

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Link performs the client handshake on rw and returns the linked channel:
// send LinkMess, read LinkReply, pick the auth mechanism, send the ticket,
// read the result.
func Link(rw io.ReadWriter, cfg LinkConfig) (*Channel, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"channel": cfg.Type.String(), "id": cfg.ID})
	common := cfg.CommonCaps
	if common == nil {
		common = DefaultCommonCaps()
	}

	mess := &protocol.LinkMess{
		ConnectionID: cfg.ConnectionID,
		ChannelType:  cfg.Type,
		ChannelID:    cfg.ID,
		CommonCaps:   common,
		ChannelCaps:  cfg.ChannelCaps,
	}
	if err := protocol.WriteLink(rw, protocol.VersionMajor, protocol.VersionMinor, protocol.EncodeLinkMess(mess)); err != nil {
		return nil, fmt.Errorf("send link mess: %w", err)
	}

	hdr, body, err := protocol.ReadLink(rw)
	if err != nil {
		cfg.Metrics.DecodeError("link header")
		return nil, fmt.Errorf("read link reply: %w", err)
	}
	if hdr.MajorVersion != protocol.VersionMajor {
		return nil, fmt.Errorf("%w: peer speaks %d.%d", ErrVersionMismatch, hdr.MajorVersion, hdr.MinorVersion)
	}
	reply, err := protocol.DecodeLinkReply(body, hdr.Size)
	if err != nil {
		cfg.Metrics.DecodeError("link reply")
		return nil, fmt.Errorf("decode link reply: %w", err)
	}
	if reply.Error != protocol.LinkOK {
		cfg.Metrics.LinkResult(reply.Error.String())
		return nil, &RejectError{Stage: "reply", Code: reply.Error}
	}
	log.WithFields(logrus.Fields{
		"common_caps":  reply.CommonCaps,
		"channel_caps": reply.ChannelCaps,
	}).Debug("link reply")

	if common.Has(protocol.CapProtocolAuthSelection) && reply.CommonCaps.Has(protocol.CapProtocolAuthSelection) {
		if !reply.CommonCaps.Has(protocol.CapAuthSpice) {
			return nil, ErrNoAuthMechanism
		}
		if err := protocol.WriteUint32(rw, protocol.AuthSpice); err != nil {
			return nil, fmt.Errorf("send auth mechanism: %w", err)
		}
	}

	ticket, err := auth.EncryptTicket(reply.PubKey, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt ticket: %w", err)
	}
	if _, err := rw.Write(ticket); err != nil {
		return nil, fmt.Errorf("send ticket: %w", err)
	}

	res, err := protocol.ReadUint32(rw)
	if err != nil {
		return nil, fmt.Errorf("read link result: %w", err)
	}
	code := protocol.LinkError(res)
	cfg.Metrics.LinkResult(code.String())
	if code != protocol.LinkOK {
		return nil, &RejectError{Stage: "auth", Code: code}
	}

	mode := protocol.NegotiateHeaderMode(common, reply.CommonCaps)
	log.WithField("header", mode.String()).Info("channel linked")
	return New(rw, Options{
		Type:              cfg.Type,
		ID:                cfg.ID,
		Mode:              mode,
		RemoteCommonCaps:  reply.CommonCaps,
		RemoteChannelCaps: reply.ChannelCaps,
		AutoAck:           cfg.AutoAck,
		Log:               cfg.Log,
		Metrics:           cfg.Metrics,
	}), nil
}

// AcceptConfig is the server side of a link.
type AcceptConfig struct {
	CommonCaps  protocol.Caps
	ChannelCaps protocol.Caps

	// Key encrypts tickets; its public half goes out in the LinkReply.
	Key              *rsa.PrivateKey
	Password         string
	DisableTicketing bool // accept any ticket

	// Check vets the client's LinkMess before the reply. A code other than
	// LinkOK is sent back and ends the handshake.
	Check func(*protocol.LinkMess) protocol.LinkError

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// AcceptLink performs the server handshake on rw. It returns the linked
// channel and the client's LinkMess. Failures the protocol can report are
// answered with a link error before returning.
func AcceptLink(rw io.ReadWriter, cfg AcceptConfig) (*Channel, *protocol.LinkMess, error) {
	if cfg.Key == nil {
		return nil, nil, ErrMissingTicketKey
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	common := cfg.CommonCaps
	if common == nil {
		common = DefaultCommonCaps()
	}

	hdr, body, err := protocol.ReadLink(rw)
	if err != nil {
		cfg.Metrics.DecodeError("link header")
		if errors.Is(err, protocol.ErrBadMagic) {
			sendLinkError(rw, protocol.LinkInvalidMagic)
		}
		return nil, nil, fmt.Errorf("read link mess: %w", err)
	}
	if hdr.MajorVersion != protocol.VersionMajor {
		sendLinkError(rw, protocol.LinkVersionMismatch)
		return nil, nil, fmt.Errorf("%w: peer speaks %d.%d", ErrVersionMismatch, hdr.MajorVersion, hdr.MinorVersion)
	}
	mess, err := protocol.DecodeLinkMess(body, hdr.Size)
	if err != nil {
		cfg.Metrics.DecodeError("link mess")
		sendLinkError(rw, protocol.LinkInvalidData)
		return nil, nil, fmt.Errorf("decode link mess: %w", err)
	}
	log = log.WithFields(logrus.Fields{
		"channel":       mess.ChannelType.String(),
		"id":            mess.ChannelID,
		"connection_id": mess.ConnectionID,
	})
	if cfg.Check != nil {
		if code := cfg.Check(mess); code != protocol.LinkOK {
			cfg.Metrics.LinkResult(code.String())
			sendLinkError(rw, code)
			return nil, mess, &RejectError{Stage: "reply", Code: code}
		}
	}

	pub, err := auth.MarshalPublicKey(&cfg.Key.PublicKey)
	if err != nil {
		sendLinkError(rw, protocol.LinkErr)
		return nil, mess, err
	}
	reply := &protocol.LinkReply{
		Error:       protocol.LinkOK,
		PubKey:      pub,
		CommonCaps:  common,
		ChannelCaps: cfg.ChannelCaps,
	}
	if err := protocol.WriteLink(rw, protocol.VersionMajor, protocol.VersionMinor, protocol.EncodeLinkReply(reply)); err != nil {
		return nil, mess, fmt.Errorf("send link reply: %w", err)
	}

	if common.Has(protocol.CapProtocolAuthSelection) && mess.CommonCaps.Has(protocol.CapProtocolAuthSelection) {
		mech, err := protocol.ReadUint32(rw)
		if err != nil {
			return nil, mess, fmt.Errorf("read auth mechanism: %w", err)
		}
		if mech != protocol.AuthSpice {
			log.WithField("mechanism", mech).Warn("unsupported auth mechanism")
			protocol.WriteUint32(rw, uint32(protocol.LinkInvalidData))
			return nil, mess, &RejectError{Stage: "auth", Code: protocol.LinkInvalidData}
		}
	}

	ticket := make([]byte, protocol.EncryptedTicketBytes)
	if _, err := io.ReadFull(rw, ticket); err != nil {
		return nil, mess, fmt.Errorf("read ticket: %w", err)
	}
	if !cfg.DisableTicketing && !auth.VerifyTicket(cfg.Key, ticket, cfg.Password) {
		cfg.Metrics.LinkResult(protocol.LinkPermissionDenied.String())
		log.Warn("ticket rejected")
		protocol.WriteUint32(rw, uint32(protocol.LinkPermissionDenied))
		return nil, mess, &RejectError{Stage: "auth", Code: protocol.LinkPermissionDenied}
	}
	if err := protocol.WriteUint32(rw, uint32(protocol.LinkOK)); err != nil {
		return nil, mess, fmt.Errorf("send link result: %w", err)
	}
	cfg.Metrics.LinkResult(protocol.LinkOK.String())

	mode := protocol.NegotiateHeaderMode(common, mess.CommonCaps)
	log.WithField("header", mode.String()).Info("channel accepted")
	return New(rw, Options{
		Type:              mess.ChannelType,
		ID:                mess.ChannelID,
		Mode:              mode,
		RemoteCommonCaps:  mess.CommonCaps,
		RemoteChannelCaps: mess.ChannelCaps,
		Log:               cfg.Log,
		Metrics:           cfg.Metrics,
	}), mess, nil
}

// sendLinkError answers a failed link with a bare LinkReply. Write errors are
// ignored: the handshake has already failed.
func sendLinkError(w io.Writer, code protocol.LinkError) {
	protocol.WriteLink(w, protocol.VersionMajor, protocol.VersionMinor, protocol.EncodeLinkReply(&protocol.LinkReply{Error: code}))
}
