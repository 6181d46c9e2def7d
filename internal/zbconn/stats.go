package zbconn

import "sync/atomic"

// Stats tracks byte counters for both directions of a connection's relay,
// adapted from the teacher's share/connstats.go open/total counter style.
type Stats struct {
	sent     uint64
	received uint64
}

func (s *Stats) addSent(n int)     { atomic.AddUint64(&s.sent, uint64(n)) }
func (s *Stats) addReceived(n int) { atomic.AddUint64(&s.received, uint64(n)) }

// Sent returns the total bytes sent on this connection's outbound chain.
func (s *Stats) Sent() uint64 { return atomic.LoadUint64(&s.sent) }

// Received returns the total bytes received on this connection's outbound
// chain.
func (s *Stats) Received() uint64 { return atomic.LoadUint64(&s.received) }
