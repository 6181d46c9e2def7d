// Package zbconn implements the per-connection state machine that builds a
// transport chain hop by hop and relays bytes between an inbound and an
// outbound transport once the chain is fully built (spec.md §4.3).
package zbconn

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"

	"github.com/sebible/zbtunnel/internal/zbchain"
	"github.com/sebible/zbtunnel/internal/zberr"
	"github.com/sebible/zbtunnel/internal/zblog"
	"github.com/sebible/zbtunnel/internal/zbshutdown"
	"github.com/sebible/zbtunnel/internal/zbtransport"
)

// State is a connection's lifecycle stage.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateBad
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// stageBufSize is the size of each direction's staging buffer (spec.md §9,
// "buffer copy between buf[0] and buf[1]").
const stageBufSize = 8192

// EndpointCache holds the first hop's resolved address, shared across every
// connection owned by one tunnel, so repeat dials skip DNS (spec.md §3).
type EndpointCache struct {
	mu   sync.Mutex
	addr net.Addr
}

// Get returns the cached address, or nil if none has been resolved yet.
func (c *EndpointCache) Get() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetIfEmpty populates the cache the first time it's called.
func (c *EndpointCache) SetIfEmpty(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr == nil {
		c.addr = addr
	}
}

// Owner is the subset of tunnel/pool behavior a Connection needs: its chain
// config, its logger, and its endpoint cache.
type Owner interface {
	Name() string
	Chain() zbchain.ChainConfig
	Logger() zblog.Logger
	Endpoints() *EndpointCache
}

// Connection is one logical end-to-end relay: an inbound transport (the
// accepted socket or stdio bridge) and an outbound transport chain built
// hop by hop from the owning tunnel's configuration.
type Connection struct {
	owner  Owner
	id     uint64
	logger zblog.Logger

	mu      sync.Mutex
	state   State
	current int
	inbound zbtransport.Transport
	out     zbtransport.Transport

	lastErr        error
	pendingRecycle bool
	recycleDecided bool

	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup

	stats Stats

	shutdown zbshutdown.Helper

	OnStopped func(conn *Connection, recycle bool)
}

var idCounter uint64

// New creates a fresh, unstarted connection owned by owner.
func New(owner Owner) *Connection {
	id := atomic.AddUint64(&idCounter, 1)
	c := &Connection{
		owner:  owner,
		id:     id,
		logger: owner.Logger().Fork("conn-%d", id).WithSubsystem(zblog.SubsystemConnection),
		state:  StateInit,
	}
	c.shutdown.Init(c)
	return c
}

// ID returns the connection's process-unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent fatal error this connection observed.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) setErr(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.state = StateBad
	c.mu.Unlock()
	return err
}

// Start attaches inbound (nil for a preconnecting pool entry) and begins or
// resumes building the outbound chain, per spec.md §4.3's build algorithm.
func (c *Connection) Start(ctx context.Context, inbound zbtransport.Transport) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateConnected:
		c.mu.Lock()
		c.inbound = inbound
		c.mu.Unlock()
		c.startTransfer(ctx)
		return
	case StateConnecting:
		c.mu.Lock()
		c.inbound = inbound
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.inbound = inbound
	c.state = StateConnecting
	c.mu.Unlock()

	go c.build(ctx)
}

func (c *Connection) build(ctx context.Context) {
	chain := c.owner.Chain()
	if chain.Len() == 0 {
		c.fail(zberr.New(zberr.ConfigMissingField, "empty chain"))
		return
	}

	logger := c.owner.Logger()
	socket := zbtransport.NewSocket(logger.Fork("socket"))

	if cached := c.owner.Endpoints().Get(); cached != nil {
		if err := socket.ConnectAddr(ctx, cached); err != nil {
			c.fail(err)
			return
		}
	} else {
		host, port, err := chain[0].HostPort()
		if err != nil {
			c.fail(err)
			return
		}
		if err := socket.Connect(ctx, host, port); err != nil {
			c.fail(err)
			return
		}
		c.owner.Endpoints().SetIfEmpty(socket.ResolvedAddr())
	}

	c.mu.Lock()
	c.out = socket
	c.mu.Unlock()

	c.handleConnect(ctx, chain, 0)
}

// handleConnect stacks chain[current]'s layer on the running outbound chain
// and initializes it, then proceeds to handleInit.
func (c *Connection) handleConnect(ctx context.Context, chain zbchain.ChainConfig, current int) {
	if current >= chain.Len() {
		c.handleInit(ctx, chain, current)
		return
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	layer, err := zbtransport.Stack(c.owner.Logger(), out, chain[current])
	if err != nil {
		c.fail(err)
		return
	}
	if err := layer.Init(ctx); err != nil {
		c.fail(err)
		return
	}

	c.mu.Lock()
	c.out = layer
	c.current = current
	c.mu.Unlock()

	c.handleInit(ctx, chain, current)
}

// handleInit connects the current top layer to the next hop's target, if
// any remain, then recurses into handleConnect for that hop; otherwise the
// chain is complete and the relay begins.
func (c *Connection) handleInit(ctx context.Context, chain zbchain.ChainConfig, current int) {
	next := current + 1
	if next >= chain.Len() {
		c.mu.Lock()
		c.state = StateConnected
		inbound := c.inbound
		c.mu.Unlock()
		if inbound != nil {
			c.startTransfer(ctx)
		}
		return
	}

	host, port, err := chain[next].HostPort()
	if err != nil {
		c.fail(err)
		return
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	if err := out.Connect(ctx, host, port); err != nil {
		c.fail(err)
		return
	}

	c.handleConnect(ctx, chain, next)
}

func (c *Connection) fail(err error) {
	c.setErr(err)
	c.logger.ELogf("connection %d failed: %v", c.id, err)
	c.Stop(false)
}

// startTransfer derives a fresh, per-generation cancelable context from ctx
// and launches both relay directions under it. The cancel func is stashed so
// Stop can quiesce both goroutines (cancel plus an Interrupt on each side's
// transport) before a connection is handed to the reusable pool, ensuring a
// recycled connection never has more than one reader per direction.
func (c *Connection) startTransfer(ctx context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.transferCancel = cancel
	c.mu.Unlock()
	c.transferWG.Add(2)
	go c.handleTransfer(tctx, 0)
	go c.handleTransfer(tctx, 1)
}

// handleTransfer runs one half-duplex relay loop: dir=0 is inbound->outbound,
// dir=1 is outbound->inbound (spec.md §4.3 "Relay").
func (c *Connection) handleTransfer(ctx context.Context, dir int) {
	defer c.transferWG.Done()

	c.mu.Lock()
	inbound, out := c.inbound, c.out
	c.mu.Unlock()
	if inbound == nil || out == nil {
		return
	}

	var src, dst zbtransport.Transport
	if dir == 0 {
		src, dst = inbound, out
	} else {
		src, dst = out, inbound
	}

	buf0 := make([]byte, stageBufSize)
	buf1 := make([]byte, stageBufSize)
	for {
		n, err := src.Receive(ctx, buf0)
		if err != nil {
			if dir == 0 {
				c.Stop(true)
			} else {
				c.Stop(false)
			}
			return
		}
		copy(buf1, buf0[:n])
		if _, err := dst.Send(ctx, buf1[:n]); err != nil {
			c.Stop(false)
			return
		}
		if dir == 0 {
			c.stats.addSent(n)
		} else {
			c.stats.addReceived(n)
		}
	}
}

// Stats returns the connection's sent/received byte counters.
func (c *Connection) Stats() *Stats { return &c.stats }

// Stop tears the connection down. recycle is the caller's request that the
// outbound chain be considered for reuse; the pool makes the final call
// (spec.md §4.3 "Stop semantics"). Only the first call's recycle value is
// honored, since the two relay directions race to call Stop independently
// and a later call must not override the first one's intent.
func (c *Connection) Stop(recycle bool) {
	c.mu.Lock()
	if !c.recycleDecided {
		c.pendingRecycle = recycle
		c.recycleDecided = true
	}
	cancel := c.transferCancel
	inbound, out := c.inbound, c.out
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Unblock any Send/Receive the relay goroutines are currently parked
	// in, without marking either transport closed -- the outbound chain
	// may still be destined for the reusable pool.
	if inbound != nil {
		inbound.Interrupt()
	}
	if out != nil {
		out.Interrupt()
	}

	c.shutdown.StartShutdown(nil)
}

// HandleOnceShutdown closes the inbound side, invoked exactly once by the
// shutdown helper. It waits for both relay goroutines to actually return
// before reporting completion, so a connection is never handed back to the
// pool (and its outbound chain reused) while a prior generation's goroutine
// might still be reading it (spec.md §4.4 "Recycle").
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	inbound := c.inbound
	recycle := c.pendingRecycle
	c.mu.Unlock()

	if inbound != nil {
		_ = inbound.Close()
	}
	c.transferWG.Wait()
	c.logger.DLogf("connection %d closed (sent %s received %s)",
		c.id, sizestr.ToString(int64(c.stats.Sent())), sizestr.ToString(int64(c.stats.Received())))
	if c.OnStopped != nil {
		c.OnStopped(c, recycle)
	}
	return completionErr
}

// CanRecycle reports whether the outbound side is healthy enough to be
// returned to the pool's reusable set (spec.md §4.3).
func (c *Connection) CanRecycle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.out != nil && c.out.IsOpen() && c.out.LastError() == nil
}

// CloseOutbound closes the outbound chain; used by the pool when discarding
// (not recycling) a connection.
func (c *Connection) CloseOutbound() error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

// Reattach clears the inbound reference and the prior generation's recycle
// decision, and re-arms the shutdown helper once the prior generation's
// shutdown has finished, so a recycled connection can be handed out again
// with a fresh inbound via Start, and its next Stop call decides recycling
// afresh.
func (c *Connection) Reattach() {
	if c.shutdown.IsScheduled() {
		<-c.shutdown.DoneChan()
		c.shutdown = zbshutdown.Helper{}
		c.shutdown.Init(c)
	}
	c.mu.Lock()
	c.inbound = nil
	c.pendingRecycle = false
	c.recycleDecided = false
	c.mu.Unlock()
}

var _ io.Closer = (*Connection)(nil)

// Close satisfies io.Closer by stopping without recycling.
func (c *Connection) Close() error {
	c.Stop(false)
	return c.shutdown.Wait()
}
