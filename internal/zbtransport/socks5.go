package zbtransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// socks5State is the client-side SOCKS5 handshake state, spec.md §4.2.6:
// INIT -> GREETING -> (AUTH) -> STANDBY -> CONNECTING -> CONNECTED.
type socks5State int

const (
	socks5Init socks5State = iota
	socks5Greeting
	socks5Auth
	socks5Standby
	socks5Connecting
	socks5Connected
)

// Socks5Transport is the SOCKS5 client layer: it dials its parent to the
// proxy's own address, negotiates the greeting/auth exchange in Init, then
// issues a CONNECT request for the downstream target on demand. Written
// fresh from spec.md's exact byte sequences, in the teacher's layered-
// transport idiom.
type Socks5Transport struct {
	base

	username string
	password string

	state socks5State
}

// NewSocks5 wraps parent with a SOCKS5 client layer. username/password may
// both be empty, selecting the no-auth method.
func NewSocks5(logger zblog.Logger, parent Transport, username, password string) *Socks5Transport {
	s := &Socks5Transport{username: username, password: password, state: socks5Init}
	s.init(logger, parent)
	return s
}

// Init emits the greeting and, if requested, the auth sub-negotiation,
// leaving the layer in STANDBY on success.
func (s *Socks5Transport) Init(ctx context.Context) error {
	s.state = socks5Greeting

	var greeting []byte
	if s.username == "" {
		greeting = []byte{0x05, 0x01, 0x00}
	} else {
		greeting = []byte{0x05, 0x02, 0x00, 0x02}
	}
	if _, err := s.parent.Send(ctx, greeting); err != nil {
		return s.setErr(err)
	}

	resp := make([]byte, 2)
	if err := s.readFull(ctx, resp); err != nil {
		return s.setErr(err)
	}
	if resp[0] != 0x05 {
		return s.setErr(zberr.Newf(zberr.ProtocolNotSupported, "socks5: bad version in greeting reply: %#x", resp[0]))
	}
	if resp[1] == 0xFF {
		return s.setErr(zberr.New(zberr.ProtocolNotSupported, "socks5: no acceptable authentication methods"))
	}

	if resp[1] == 0x02 {
		s.state = socks5Auth
		req := make([]byte, 0, 3+len(s.username)+len(s.password))
		req = append(req, 0x01, byte(len(s.username)))
		req = append(req, s.username...)
		req = append(req, byte(len(s.password)))
		req = append(req, s.password...)
		if _, err := s.parent.Send(ctx, req); err != nil {
			return s.setErr(err)
		}
		authResp := make([]byte, 2)
		if err := s.readFull(ctx, authResp); err != nil {
			return s.setErr(err)
		}
		if authResp[1] != 0x00 {
			return s.setErr(zberr.New(zberr.PermissionDenied, "socks5: authentication rejected"))
		}
	}

	s.state = socks5Standby
	return nil
}

// Connect issues the SOCKS5 CONNECT request naming the downstream target
// and waits for the server's reply. Requires the layer to be in STANDBY,
// i.e. that Init has already completed the greeting/auth exchange.
func (s *Socks5Transport) Connect(ctx context.Context, host string, port uint16) error {
	if s.state != socks5Standby {
		return s.setErr(zberr.New(zberr.OperationInProgress, "socks5: connect requested outside STANDBY"))
	}
	s.state = socks5Connecting

	if len(host) > 255 {
		return s.setErr(zberr.New(zberr.BadAddress, "socks5: host too long"))
	}
	req := make([]byte, 0, 7+len(host))
	req = append(req, 0x05, 0x01, 0x00, 0x03, byte(len(host)))
	req = append(req, host...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	req = append(req, portBuf...)
	if _, err := s.parent.Send(ctx, req); err != nil {
		return s.setErr(err)
	}

	head := make([]byte, 4)
	if err := s.readFull(ctx, head); err != nil {
		return s.setErr(err)
	}
	if head[2] != 0x00 {
		return s.setErr(zberr.New(zberr.ProtocolNotSupported, "socks5: reserved byte not zero"))
	}

	var remaining int
	switch head[3] {
	case 0x01:
		remaining = 4 + 2
	case 0x04:
		remaining = 16 + 2
	case 0x03:
		lenByte := make([]byte, 1)
		if err := s.readFull(ctx, lenByte); err != nil {
			return s.setErr(err)
		}
		remaining = int(lenByte[0]) + 2
	default:
		return s.setErr(zberr.Newf(zberr.ProtocolNotSupported, "socks5: unknown address type %#x", head[3]))
	}
	if remaining > 0 {
		tail := make([]byte, remaining)
		if err := s.readFull(ctx, tail); err != nil {
			return s.setErr(err)
		}
	}

	s.state = socks5Connected
	s.setOpen(true)
	return nil
}

// ConnectAddr is equivalent to Connect using addr's own string form; SOCKS5
// hops are never reached through the endpoint cache in practice, since that
// only applies to the bottommost socket transport.
func (s *Socks5Transport) ConnectAddr(ctx context.Context, addr net.Addr) error {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return s.setErr(zberr.Wrap(zberr.BadAddress, "socks5: bad endpoint", err))
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return s.setErr(zberr.Wrap(zberr.BadAddress, "socks5: bad endpoint port", err))
	}
	return s.Connect(ctx, host, port)
}

// readFull reads exactly len(buf) bytes from the parent.
func (s *Socks5Transport) readFull(ctx context.Context, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := s.parent.Receive(ctx, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return zberr.New(zberr.ProtocolNotSupported, "socks5: proxy closed connection")
		}
		got += n
	}
	return nil
}

// Send forwards p to the parent once CONNECTED.
func (s *Socks5Transport) Send(ctx context.Context, p []byte) (int, error) {
	n, err := s.parent.Send(ctx, p)
	if err != nil {
		return n, s.setErr(err)
	}
	return n, nil
}

// Receive reads p from the parent.
func (s *Socks5Transport) Receive(ctx context.Context, p []byte) (int, error) {
	n, err := s.parent.Receive(ctx, p)
	if err != nil {
		return n, s.setErr(err)
	}
	return n, nil
}
