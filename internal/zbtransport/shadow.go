package zbtransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sebible/zbtunnel/internal/zbcodec"
	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// shadowFrameTag is the wire tag byte identifying a shadow CONNECT frame:
// 0x03 | len(host) | host | port_hi | port_lo (spec.md §4.2.3).
const shadowFrameTag = 0x03

// ShadowTransport is the substitution-cipher layer: every byte sent/received
// through its parent is substituted with a zbcodec.Codec, and Connect writes
// a single ciphered frame naming the downstream target without waiting for
// an acknowledgement (spec.md §9, "immediate-success Connect semantics").
// Grounded in the teacher's layered-connection style (channel_conn.go) with
// the cipher itself taken from the original coder.
type ShadowTransport struct {
	base

	codec *zbcodec.Codec
}

// NewShadow wraps parent with a shadow substitution-cipher layer keyed by
// key (method is always "shadow" or "").
func NewShadow(logger zblog.Logger, parent Transport, method, key string) (*ShadowTransport, error) {
	codec, err := zbcodec.Get(method, key)
	if err != nil {
		return nil, zberr.Wrap(zberr.UnsupportedMethod, "shadow codec", err)
	}
	s := &ShadowTransport{codec: codec}
	s.init(logger, parent)
	return s, nil
}

// Init performs no handshake of its own; the shadow protocol has no
// greeting, only the per-connect frame written by Connect.
func (s *ShadowTransport) Init(ctx context.Context) error { return nil }

// Connect writes the ciphered frame naming host:port as the downstream
// target this shadow hop should relay to, then returns immediately without
// waiting for any server acknowledgement.
func (s *ShadowTransport) Connect(ctx context.Context, host string, port uint16) error {
	if len(host) > 255 {
		return s.setErr(zberr.New(zberr.BadAddress, "host too long for shadow frame"))
	}
	frame := make([]byte, 0, 4+len(host))
	frame = append(frame, shadowFrameTag, byte(len(host)))
	frame = append(frame, host...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	frame = append(frame, portBuf...)

	s.codec.Encrypt(frame)
	if _, err := s.parent.Send(ctx, frame); err != nil {
		return s.setErr(err)
	}
	s.setOpen(true)
	return nil
}

// ConnectAddr is equivalent to Connect using addr's own string form; shadow
// hops are never reached through the endpoint cache in practice, since that
// only applies to the bottommost socket transport.
func (s *ShadowTransport) ConnectAddr(ctx context.Context, addr net.Addr) error {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return s.setErr(zberr.Wrap(zberr.BadAddress, "shadow: bad endpoint", err))
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return s.setErr(zberr.Wrap(zberr.BadAddress, "shadow: bad endpoint port", err))
	}
	return s.Connect(ctx, host, port)
}

// Send ciphers p in place and forwards it to the parent.
func (s *ShadowTransport) Send(ctx context.Context, p []byte) (int, error) {
	s.codec.Encrypt(p)
	n, err := s.parent.Send(ctx, p)
	if err != nil {
		return n, s.setErr(err)
	}
	return n, nil
}

// Receive reads from the parent into p and deciphers it in place.
func (s *ShadowTransport) Receive(ctx context.Context, p []byte) (int, error) {
	n, err := s.parent.Receive(ctx, p)
	if err != nil {
		return n, s.setErr(err)
	}
	s.codec.Decrypt(p[:n])
	return n, nil
}
