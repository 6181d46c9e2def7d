package zbtransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// sslTypeToConfig maps the hop config's "ssl_type" knob (spec.md §4.2.5)
// onto a crypto/tls.Config. "sslv23" historically meant "negotiate the
// highest both sides support"; crypto/tls always does that, so it leaves
// MaxVersion at the package zero value. "tls1" pins the ceiling to TLS 1.0
// for proxies that choke on a higher-only ClientHello.
func sslTypeToConfig(sslType, serverName string, insecureSkipVerify bool) *tls.Config {
	cfg := &tls.Config{ServerName: serverName, InsecureSkipVerify: insecureSkipVerify}
	if sslType == "tls1" {
		cfg.MaxVersion = tls.VersionTLS10
	}
	return cfg
}

// HTTPSConnectTransport is a TLS-secured HTTP CONNECT proxy layer (spec.md
// §4.2.5): Init performs the TLS handshake with the immediate proxy (whose
// raw TCP connection the parent already established), and Connect then
// issues "CONNECT host:port HTTP/1.1" over the now-encrypted channel.
// crypto/tls is the standard library's TLS client; no ecosystem alternative
// in the retrieved corpus improves on it for this role (see DESIGN.md).
type HTTPSConnectTransport struct {
	base

	tlsConfig  *tls.Config
	authHeader string

	conn *transportConn
	tls  *tls.Conn
}

// NewHTTPSConnect wraps parent (the raw socket already connected to the
// proxy's own address) with a TLS-secured HTTP CONNECT layer. serverName is
// the proxy's own hostname, used for certificate validation.
func NewHTTPSConnect(logger zblog.Logger, parent Transport, serverName, sslType, authHeader string, insecureSkipVerify bool) *HTTPSConnectTransport {
	h := &HTTPSConnectTransport{
		tlsConfig:  sslTypeToConfig(sslType, serverName, insecureSkipVerify),
		authHeader: authHeader,
	}
	h.init(logger, parent)
	return h
}

// Init performs the TLS handshake over the parent's already-open connection.
func (h *HTTPSConnectTransport) Init(ctx context.Context) error {
	h.conn = &transportConn{ctx: ctx, t: h.parent}
	tlsConn := tls.Client(h.conn, h.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return h.setErr(zberr.Wrap(zberr.ProtocolNotSupported, "tls handshake", err))
	}
	h.tls = tlsConn
	h.setOpen(true)
	return nil
}

// Connect issues the CONNECT request over the TLS channel naming host:port,
// waiting for a 2xx status line within httpConnectRespBufSize bytes.
func (h *HTTPSConnectTransport) Connect(ctx context.Context, host string, port uint16) error {
	h.conn.ctx = ctx
	target := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	if h.authHeader != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", h.authHeader)
	}
	req.WriteString("\r\n")

	if _, err := h.tls.Write(req.Bytes()); err != nil {
		return h.setErr(zberr.Wrap(zberr.TransportIO, "https connect send", err))
	}
	if err := h.readStatus(); err != nil {
		return h.setErr(err)
	}
	return nil
}

func (h *HTTPSConnectTransport) readStatus() error {
	buf := make([]byte, 0, httpConnectRespBufSize)
	chunk := make([]byte, httpConnectRespBufSize)
	for {
		if len(buf) >= httpConnectRespBufSize {
			return zberr.New(zberr.NoBufferSpace, "https connect: response exceeded 256 bytes before blank line")
		}
		n, err := h.tls.Read(chunk[:httpConnectRespBufSize-len(buf)])
		if err != nil {
			return zberr.Wrap(zberr.TransportIO, "https connect receive", err)
		}
		if n == 0 {
			return zberr.New(zberr.ProtocolNotSupported, "https connect: proxy closed connection")
		}
		buf = append(buf, chunk[:n]...)
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			statusLine := buf[:bytes.IndexByte(buf, '\n')]
			if !isHTTPSuccessStatusLine(statusLine) {
				return zberr.Newf(zberr.PermissionDenied, "https connect: proxy refused: %q", strings.TrimSpace(string(statusLine)))
			}
			return nil
		}
	}
}

// ConnectAddr is equivalent to Connect using addr's own string form.
func (h *HTTPSConnectTransport) ConnectAddr(ctx context.Context, addr net.Addr) error {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return h.setErr(zberr.Wrap(zberr.BadAddress, "https connect: bad endpoint", err))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return h.setErr(zberr.Wrap(zberr.BadAddress, "https connect: bad endpoint port", err))
	}
	return h.Connect(ctx, host, uint16(port))
}

// Send writes p through the TLS layer.
func (h *HTTPSConnectTransport) Send(ctx context.Context, p []byte) (int, error) {
	h.conn.ctx = ctx
	n, err := h.tls.Write(p)
	if err != nil {
		return n, h.setErr(zberr.Wrap(zberr.TransportIO, "tls send", err))
	}
	return n, nil
}

// Receive reads from the TLS layer into p.
func (h *HTTPSConnectTransport) Receive(ctx context.Context, p []byte) (int, error) {
	h.conn.ctx = ctx
	n, err := h.tls.Read(p)
	if err != nil {
		return n, h.setErr(zberr.Wrap(zberr.TransportIO, "tls receive", err))
	}
	return n, nil
}

// transportConn adapts a Transport (Send/Receive, context-driven) to the
// net.Conn shape crypto/tls.Client requires (blocking Read/Write). Deadlines
// are accepted but only affect the ctx used on the next Send/Receive call,
// since the underlying Transport has no deadline primitive of its own.
type transportConn struct {
	ctx context.Context
	t   Transport
}

func (c *transportConn) Read(p []byte) (int, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.t.Receive(ctx, p)
}

func (c *transportConn) Write(p []byte) (int, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.t.Send(ctx, p)
}

func (c *transportConn) Close() error                      { return c.t.Close() }
func (c *transportConn) LocalAddr() net.Addr                { return transportAddr{} }
func (c *transportConn) RemoteAddr() net.Addr               { return transportAddr{} }
func (c *transportConn) SetDeadline(t time.Time) error      { return nil }
func (c *transportConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *transportConn) SetWriteDeadline(t time.Time) error { return nil }

type transportAddr struct{}

func (transportAddr) Network() string { return "zbtransport" }
func (transportAddr) String() string  { return "zbtransport" }
