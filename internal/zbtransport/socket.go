package zbtransport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// SocketTransport is the bottom-layer transport: a plain TCP connection,
// resolved and dialed with a net.Resolver/net.Dialer, optionally tuned with
// SO_REUSEADDR for the listening side (spec.md §4.2.1). Adapted from the
// teacher's socket_conn.go/tcp_stub_endpoint.go dial path.
type SocketTransport struct {
	base

	dialer   net.Dialer
	conn     net.Conn
	resolved net.Addr

	mu          sync.Mutex
	interrupted int32
}

// NewSocket creates an unconnected bottom-layer socket transport. It has no
// parent; Connect or ConnectAddr dials the actual TCP connection.
func NewSocket(logger zblog.Logger) *SocketTransport {
	s := &SocketTransport{}
	s.init(logger, nil)
	return s
}

// Connect resolves host:port and dials a TCP connection.
func (s *SocketTransport) Connect(ctx context.Context, host string, port uint16) error {
	if err := requireHostPort(host, port); err != nil {
		return s.setErr(err)
	}
	addr := net.JoinHostPort(host, portToString(port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.setErr(zberr.Wrap(zberr.ResolverFailed, "dial "+addr, err))
	}
	s.mu.Lock()
	s.conn = conn
	s.resolved = conn.RemoteAddr()
	s.mu.Unlock()
	s.closeFn = conn.Close
	s.setOpen(true)
	return nil
}

// ConnectAddr dials directly to a previously-resolved address, bypassing
// name resolution (the endpoint-cache fast path, spec.md §3).
func (s *SocketTransport) ConnectAddr(ctx context.Context, addr net.Addr) error {
	conn, err := s.dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return s.setErr(zberr.Wrap(zberr.ResolverFailed, "dial "+addr.String(), err))
	}
	s.mu.Lock()
	s.conn = conn
	s.resolved = conn.RemoteAddr()
	s.mu.Unlock()
	s.closeFn = conn.Close
	s.setOpen(true)
	return nil
}

// ResolvedAddr returns the address actually connected to.
func (s *SocketTransport) ResolvedAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Init is a no-op for the raw socket transport; there is no handshake.
func (s *SocketTransport) Init(ctx context.Context) error { return nil }

// Send writes p to the socket, honoring ctx's deadline if any.
func (s *SocketTransport) Send(ctx context.Context, p []byte) (int, error) {
	s.applyDeadline(ctx)
	n, err := s.conn.Write(p)
	if err != nil {
		return n, s.setErr(zberr.Wrap(zberr.TransportIO, "socket send", err))
	}
	return n, nil
}

// Receive reads into p from the socket, honoring ctx's deadline if any. A
// concurrent Interrupt call unblocks it by forcing a read deadline; that
// case is reported as a plain error without recording it via setErr, so the
// socket's own IsOpen/LastError stay healthy.
func (s *SocketTransport) Receive(ctx context.Context, p []byte) (int, error) {
	s.applyDeadline(ctx)
	n, err := s.conn.Read(p)
	if err != nil {
		if atomic.SwapInt32(&s.interrupted, 0) == 1 {
			return n, zberr.New(zberr.TransportIO, "socket receive: interrupted")
		}
		return n, s.setErr(zberr.Wrap(zberr.TransportIO, "socket receive", err))
	}
	atomic.StoreInt32(&s.interrupted, 0)
	return n, nil
}

// Interrupt forces any in-flight Receive to return promptly by pushing the
// read deadline into the past, without closing the connection or marking it
// erroring (spec.md §4.4 "Recycle").
func (s *SocketTransport) Interrupt() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	atomic.StoreInt32(&s.interrupted, 1)
	_ = conn.SetReadDeadline(time.Now())
}

func (s *SocketTransport) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}
}

func portToString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// listenConfig builds a net.ListenConfig with SO_REUSEADDR set on the raw fd,
// matching the teacher's accept-loop bind behavior and spec.md §4.5's "always
// bind with SO_REUSEADDR" requirement.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
}

// Listen opens a listening TCP socket on addr:port with SO_REUSEADDR set.
func Listen(ctx context.Context, addr string, port int) (net.Listener, error) {
	lc := listenConfig()
	return lc.Listen(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
}

// NewAcceptedSocket wraps an already-accepted net.Conn as the inbound
// transport for a newly accepted connection, enabling TCP_NODELAY per
// spec.md §4.5.
func NewAcceptedSocket(logger zblog.Logger, conn net.Conn) *SocketTransport {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	s := &SocketTransport{conn: conn, resolved: conn.RemoteAddr()}
	s.init(logger, nil)
	s.closeFn = conn.Close
	s.setOpen(true)
	return s
}
