package storage

import (
	"sync/atomic"
)

// Counter is a process wide monotonic counter, used for LSNs and transaction IDs. It has
// no useful zero state: it must be initialized with Set from the log or catalog at startup
// before it is handed to the components which draw from it.
type Counter struct {
	val atomic.Uint64
	set atomic.Bool
}

// Set initializes the counter; the next value returned by Next will be u64 + 1.
func (c *Counter) Set(u64 uint64) {
	c.val.Store(u64)
	c.set.Store(true)
}

// Advance moves the counter forward to at least u64; it never moves backward.
func (c *Counter) Advance(u64 uint64) {
	for {
		cur := c.val.Load()
		if cur >= u64 || c.val.CompareAndSwap(cur, u64) {
			c.set.Store(true)
			return
		}
	}
}

func (c *Counter) Next() uint64 {
	if !c.set.Load() {
		panic("storage: counter used before initialization")
	}
	return c.val.Add(1)
}

// Current returns the last value returned by Next (or passed to Set).
func (c *Counter) Current() uint64 {
	return c.val.Load()
}
