// Package zbtunnel implements the two tunnel variants (socket and io) that
// own an acceptor (or a single stdio bridge), a connection pool, and a
// reactor goroutine (spec.md §4.5).
package zbtunnel

import (
	"context"
	"net"

	"github.com/sebible/zbtunnel/internal/zbchain"
	"github.com/sebible/zbtunnel/internal/zbconn"
	"github.com/sebible/zbtunnel/internal/zblog"
	"github.com/sebible/zbtunnel/internal/zbpool"
	"github.com/sebible/zbtunnel/internal/zbshutdown"
	"github.com/sebible/zbtunnel/internal/zbtransport"
)

// Tunnel owns one local endpoint (socket acceptor or stdio bridge), its
// chain config, and the connection pool serving it. It implements
// zbconn.Owner so connections can look up chain/logger/endpoint-cache state.
type Tunnel struct {
	name   string
	chain  zbchain.ChainConfig
	logger zblog.Logger
	pool   *zbpool.Manager
	eps    zbconn.EndpointCache

	listener net.Listener
	stdio    zbtransport.Transport

	shutdown zbshutdown.Helper
}

// Name returns the tunnel's configured name ("-" for the io tunnel).
func (t *Tunnel) Name() string { return t.name }

// Chain returns the tunnel's hop chain.
func (t *Tunnel) Chain() zbchain.ChainConfig { return t.chain }

// Logger returns the tunnel's logger.
func (t *Tunnel) Logger() zblog.Logger { return t.logger }

// Endpoints returns the tunnel's shared endpoint cache.
func (t *Tunnel) Endpoints() *zbconn.EndpointCache { return &t.eps }

// NewSocket builds a socket tunnel: it binds a TCP acceptor on
// chain.LocalAddress()/chain.LocalPort() with SO_REUSEADDR set (spec.md
// §4.5), grounded on the teacher's proxy.go TCPProxy accept-loop pattern.
func NewSocket(ctx context.Context, name string, chain zbchain.ChainConfig, global zbchain.PoolPolicy, logger zblog.Logger) (*Tunnel, error) {
	t := &Tunnel{name: name, chain: chain, logger: logger}
	t.shutdown.Init(t)

	ln, err := zbtransport.Listen(ctx, chain.LocalAddress(), chain.LocalPort())
	if err != nil {
		return nil, err
	}
	t.listener = ln
	t.pool = zbpool.New(t, chain.PoolPolicy(global), logger.Fork("pool").WithSubsystem(zblog.SubsystemPool))
	return t, nil
}

// NewIo builds the io tunnel: no acceptor, a single stdio-bridge connection
// started immediately (spec.md §4.5). At most one may exist per process.
func NewIo(ctx context.Context, chain zbchain.ChainConfig, global zbchain.PoolPolicy, logger zblog.Logger, stdio zbtransport.Transport) (*Tunnel, error) {
	t := &Tunnel{name: "-", chain: chain, logger: logger, stdio: stdio}
	t.shutdown.Init(t)
	t.pool = zbpool.New(t, chain.PoolPolicy(global), logger.Fork("pool").WithSubsystem(zblog.SubsystemPool))
	return t, nil
}

// Run starts the tunnel's reactor: for a socket tunnel, an accept loop; for
// the io tunnel, a single connection start. Blocks until ctx is cancelled or
// the acceptor fails.
func (t *Tunnel) Run(ctx context.Context) error {
	if t.listener != nil {
		return t.acceptLoop(ctx)
	}
	conn := t.pool.GetOrCreate(ctx)
	conn.Start(ctx, t.stdio)
	<-ctx.Done()
	return nil
}

func (t *Tunnel) acceptLoop(ctx context.Context) error {
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.logger.ELogf("accept failed: %v", err)
			return err
		}
		inbound := zbtransport.NewAcceptedSocket(t.logger.Fork("socket").WithSubsystem(zblog.SubsystemTransport), nc)
		conn := t.pool.GetOrCreate(ctx)
		conn.Start(ctx, inbound)
	}
}

// Stop closes the acceptor (if any) and stops the pool, per spec.md §4.5
// "Reactor".
func (t *Tunnel) Stop() {
	t.shutdown.StartShutdown(nil)
}

// Wait blocks until Stop has fully completed.
func (t *Tunnel) Wait() error {
	return t.shutdown.Wait()
}

// HandleOnceShutdown implements zbshutdown.OnceShutdownHandler.
func (t *Tunnel) HandleOnceShutdown(completionErr error) error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.pool.StopAll()
	return completionErr
}
