package cache

import "sync/atomic"

type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func (c *counters) hit()     { c.hits.Add(1) }
func (c *counters) miss()    { c.misses.Add(1) }
func (c *counters) evicted() { c.evictions.Add(1) }

func (c *counters) snapshot() (uint64, uint64, uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}
