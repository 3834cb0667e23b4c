package swarm

import (
	"sync/atomic"
)

// sessionCounters counts connections across all transfers of an engine.
type sessionCounters struct {
	num int64 // atomic
	max int
}

func (c *sessionCounters) NumConnections() int {
	return int(atomic.LoadInt64(&c.num))
}

func (c *sessionCounters) MaxConnections() int {
	return c.max
}

func (c *sessionCounters) AddConnections(delta int) {
	atomic.AddInt64(&c.num, int64(delta))
}
