package zbtransport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// StdioTransport is the bottom-layer transport backing an io-tunnel: it
// bridges os.Stdin/os.Stdout (or any pair of io.Reader/io.Writer) as a byte
// stream. Adapted from the teacher's stdio_stub_endpoint.go + pipe_conn.go,
// whose goroutine-backed non-blocking read pattern is reused here because
// os.Stdin offers no deadline support.
type StdioTransport struct {
	base

	r io.Reader
	w io.Writer

	readOnce sync.Once
	readCh   chan readResult
	pending  []byte
}

type readResult struct {
	n   int
	buf []byte
	err error
}

// NewStdio wraps an arbitrary reader/writer pair as a bottom-layer transport.
// Production callers pass os.Stdin/os.Stdout; tests pass pipes.
func NewStdio(logger zblog.Logger, r io.Reader, w io.Writer) *StdioTransport {
	s := &StdioTransport{r: r, w: w, readCh: make(chan readResult, 1)}
	s.init(logger, nil)
	s.setOpen(true)
	s.closeFn = func() error {
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := s.w.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}
	return s
}

// Connect is a no-op: the stdio transport is already bound to its streams.
func (s *StdioTransport) Connect(ctx context.Context, host string, port uint16) error {
	return nil
}

// ConnectAddr is a no-op for the same reason.
func (s *StdioTransport) ConnectAddr(ctx context.Context, addr net.Addr) error {
	return nil
}

// Init is a no-op; stdio never handshakes.
func (s *StdioTransport) Init(ctx context.Context) error { return nil }

// Send writes p to the underlying writer.
func (s *StdioTransport) Send(ctx context.Context, p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, s.setErr(zberr.Wrap(zberr.TransportIO, "stdio send", err))
	}
	return n, nil
}

// Receive reads into p from a background goroutine-fed channel, so that a
// blocking os.Stdin.Read can still be cancelled by ctx.
func (s *StdioTransport) Receive(ctx context.Context, p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	s.startBackgroundRead(len(p))
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-s.readCh:
		s.readOnce = sync.Once{}
		if res.err != nil {
			return 0, s.setErr(zberr.Wrap(zberr.TransportIO, "stdio receive", res.err))
		}
		n := copy(p, res.buf[:res.n])
		if n < res.n {
			s.pending = res.buf[n:res.n]
		}
		return n, nil
	}
}

func (s *StdioTransport) startBackgroundRead(size int) {
	s.readOnce.Do(func() {
		go func() {
			buf := make([]byte, size)
			n, err := s.r.Read(buf)
			s.readCh <- readResult{n: n, buf: buf, err: err}
		}()
	})
}
