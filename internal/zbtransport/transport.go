// Package zbtransport implements the uniform async byte-stream transport
// abstraction (spec.md §4.2) and its six concrete variants: socket (bottom),
// stdio-bridge (bottom), shadow, HTTP CONNECT, HTTPS CONNECT, and SOCKS5
// (layers stacked on a parent transport).
//
// Per spec.md §9's re-architecture note, the source's chained-callback state
// machines collapse here into ordinary sequential calls -- Connect/Init/
// Send/Receive block until they complete instead of invoking a completion
// callback. How far ctx can cut a call short depends on the bottom
// transport: StdioTransport.Receive returns as soon as ctx is done, while
// SocketTransport's Send and Receive apply only ctx's deadline, so a socket
// read without a deadline is unblocked early only by Interrupt or Close.
package zbtransport

import (
	"context"
	"net"
	"sync"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// Transport is a uniform async byte stream, stackable as a layer on top of
// a parent Transport (spec.md §4.2).
type Transport interface {
	// Connect begins establishing this layer on top of its parent (or the
	// underlying socket, for the bottom layer), resolving host/port itself.
	Connect(ctx context.Context, host string, port uint16) error

	// ConnectAddr is like Connect but skips name resolution, connecting
	// directly to a previously-resolved address (the endpoint cache path).
	ConnectAddr(ctx context.Context, addr net.Addr) error

	// Init performs any post-connect handshake required by this layer
	// (TLS, SOCKS5 greeting). Bottom layers and layers that need no
	// handshake treat this as a no-op.
	Init(ctx context.Context) error

	// Send writes p through the layer, returning the number of bytes
	// consumed from p. Each layer may transform bytes in place before
	// forwarding to its parent.
	Send(ctx context.Context, p []byte) (int, error)

	// Receive reads into p through the layer, returning the number of
	// bytes placed into p. Each layer may transform bytes in place after
	// reading from its parent.
	Receive(ctx context.Context, p []byte) (int, error)

	// Close cascades outward-to-inward: closing a layer closes its parent.
	// Idempotent.
	Close() error

	// Interrupt makes a best-effort attempt to unblock a Receive currently
	// in flight on this transport (and, transitively, its parent), without
	// closing the underlying socket. It exists so a connection being
	// recycled can quiesce its relay goroutines without tearing down the
	// underlying socket (spec.md §4.3 "Stop semantics", §4.4 "Recycle").
	// Only SocketTransport keeps its own IsOpen/LastError healthy after an
	// interrupted Receive; a layer stacked on it (shadow, HTTP/HTTPS
	// CONNECT, SOCKS5) records the returned error like any other, so after
	// its read is interrupted such a layer reports IsOpen false and a
	// non-nil LastError.
	Interrupt()

	// IsOpen reports whether the transport is still usable.
	IsOpen() bool

	// LastError returns the most recent fatal error observed by this
	// transport, or nil.
	LastError() error
}

// ResolvedAddrGetter is implemented by bottom transports that can report the
// address a connect actually resolved to, so a connection can populate its
// tunnel's endpoint cache (spec.md §3, "Endpoint cache").
type ResolvedAddrGetter interface {
	ResolvedAddr() net.Addr
}

// base is embedded by every layer implementation. It centralizes the
// open/closed bookkeeping, last-error tracking, and parent cascade that
// spec.md §4.2 and §9 ("shared ownership upward") describe.
type base struct {
	mu       sync.Mutex
	logger   zblog.Logger
	parent   Transport
	open     bool
	lastErr  error
	closeFn  func() error // set by the concrete layer; called once by Close
	closeOne sync.Once
}

func (b *base) init(logger zblog.Logger, parent Transport) {
	b.logger = logger
	b.parent = parent
}

func (b *base) setOpen(open bool) {
	b.mu.Lock()
	b.open = open
	b.mu.Unlock()
}

func (b *base) setErr(err error) error {
	if err == nil {
		return nil
	}
	b.mu.Lock()
	b.lastErr = err
	b.open = false
	b.mu.Unlock()
	return err
}

// IsOpen reports whether this layer (and, transitively, its parent) is open.
func (b *base) IsOpen() bool {
	b.mu.Lock()
	open := b.open
	b.mu.Unlock()
	if !open {
		return false
	}
	if b.parent != nil {
		return b.parent.IsOpen()
	}
	return true
}

// LastError returns the most recent fatal error seen by this layer.
func (b *base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Close cascades the close down to the parent exactly once.
func (b *base) Close() error {
	var err error
	b.closeOne.Do(func() {
		b.setOpen(false)
		if b.closeFn != nil {
			err = b.closeFn()
		}
		if b.parent != nil {
			perr := b.parent.Close()
			if err == nil {
				err = perr
			}
		}
	})
	return err
}

// Interrupt cascades to the parent by default; only a bottom layer that
// blocks on real I/O (SocketTransport) needs to override this.
func (b *base) Interrupt() {
	if b.parent != nil {
		b.parent.Interrupt()
	}
}

// requireHostPort validates that host/port were actually supplied, failing
// with BadAddress otherwise (spec.md §4.3 "Errors emitted").
func requireHostPort(host string, port uint16) error {
	if host == "" {
		return zberr.New(zberr.BadAddress, "empty host")
	}
	if port == 0 {
		return zberr.New(zberr.BadAddress, "empty port")
	}
	return nil
}
