// Package zbpool implements the per-tunnel connection manager: active and
// reusable connection sets, recycle policy, and preconnect top-up (spec.md
// §4.4).
package zbpool

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sebible/zbtunnel/internal/zbchain"
	"github.com/sebible/zbtunnel/internal/zbconn"
	"github.com/sebible/zbtunnel/internal/zblog"
)

// Manager owns a tunnel's active and reusable connection sets.
type Manager struct {
	owner  zbconn.Owner
	policy zbchain.PoolPolicy
	logger zblog.Logger

	mu       sync.Mutex
	active   map[uint64]*zbconn.Connection
	reusable []*zbconn.Connection
	stopped  bool
}

// New creates a connection manager for one tunnel.
func New(owner zbconn.Owner, policy zbchain.PoolPolicy, logger zblog.Logger) *Manager {
	return &Manager{
		owner:  owner,
		policy: policy,
		logger: logger,
		active: make(map[uint64]*zbconn.Connection),
	}
}

// GetOrCreate returns a connection ready to be started: a reusable one if
// any exist, else a freshly created one. It also tops up the reusable pool
// up to the preconnect target, bounded by max_reuse (spec.md §4.4).
func (m *Manager) GetOrCreate(ctx context.Context) *zbconn.Connection {
	m.mu.Lock()
	if len(m.reusable) > 0 {
		conn := m.reusable[len(m.reusable)-1]
		m.reusable = m.reusable[:len(m.reusable)-1]
		conn.Reattach()
		m.active[conn.ID()] = conn
		m.mu.Unlock()
		return conn
	}
	m.mu.Unlock()

	conn := m.newConn()
	m.mu.Lock()
	m.active[conn.ID()] = conn
	m.mu.Unlock()

	if m.policy.Preconnect > 0 {
		go m.topUp(ctx)
	}
	return conn
}

func (m *Manager) newConn() *zbconn.Connection {
	conn := zbconn.New(m.owner)
	conn.OnStopped = m.onStopped
	return conn
}

// topUp creates additional unattached (preconnecting) connections until the
// reusable set holds min(preconnect, max_reuse) entries, retrying transient
// failures with jpillora/backoff (repurposed here from the teacher's
// reconnect-retry use in share/client.go). Unlike a single preconnect
// attempt, this keeps looping after each success so a pool with
// preconnect=3 actually ends up with 3 reusable connections, not 1
// (spec.md §4.4).
func (m *Manager) topUp(ctx context.Context) {
	target := m.policy.Preconnect
	if target > m.policy.MaxReuse {
		target = m.policy.MaxReuse
	}

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	for {
		m.mu.Lock()
		room := target - len(m.reusable)
		stopped := m.stopped
		m.mu.Unlock()
		if stopped || room <= 0 {
			return
		}

		conn := m.newConn()
		conn.Start(ctx, nil)

		for conn.State() == zbconn.StateConnecting {
			time.Sleep(5 * time.Millisecond)
		}
		if conn.State() == zbconn.StateBad {
			m.logger.WLogf("preconnect attempt failed: %v", conn.LastError())
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Duration()):
			}
			continue
		}

		b.Reset()
		m.mu.Lock()
		m.reusable = append(m.reusable, conn)
		m.mu.Unlock()
	}
}

// onStopped is invoked by a Connection once its shutdown handler completes,
// deciding whether it is recycled back into reusable or dropped entirely.
func (m *Manager) onStopped(conn *zbconn.Connection, recycleRequested bool) {
	m.mu.Lock()
	delete(m.active, conn.ID())

	recycle := recycleRequested && m.policy.Recycle && conn.CanRecycle() && len(m.reusable) < m.policy.MaxReuse
	if recycle {
		m.reusable = append(m.reusable, conn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	_ = conn.CloseOutbound()
}

// Recycle explicitly attempts to move conn into the reusable set, per
// spec.md §4.4's standalone recycle(conn) contract; returns false if the
// policy or capacity disallows it.
func (m *Manager) Recycle(conn *zbconn.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.policy.Recycle || len(m.reusable) >= m.policy.MaxReuse {
		return false
	}
	delete(m.active, conn.ID())
	m.reusable = append(m.reusable, conn)
	return true
}

// Remove drops conn from both sets without closing it (caller's concern).
func (m *Manager) Remove(conn *zbconn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, conn.ID())
	for i, r := range m.reusable {
		if r.ID() == conn.ID() {
			m.reusable = append(m.reusable[:i], m.reusable[i+1:]...)
			break
		}
	}
}

// StopAll stops every connection in both sets without recycling, then
// clears them (spec.md §4.4 "stop_all").
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	var all []*zbconn.Connection
	for _, c := range m.active {
		all = append(all, c)
	}
	all = append(all, m.reusable...)
	m.active = make(map[uint64]*zbconn.Connection)
	m.reusable = nil
	m.mu.Unlock()

	for _, c := range all {
		c.Stop(false)
	}
}

// ActiveCount and ReusableCount expose pool occupancy for tests and metrics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) ReusableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reusable)
}
