package mining

import "sync/atomic"

// HashCounter is a monotonically increasing count of hashes computed by one
// worker.  The owning worker adds to it and any goroutine may read it.
type HashCounter struct {
	hashes atomic.Uint64
}

// Add adds n hashes to the counter and returns the new total.
func (c *HashCounter) Add(n uint64) uint64 {
	return c.hashes.Add(n)
}

// Load returns the current total.
func (c *HashCounter) Load() uint64 {
	return c.hashes.Load()
}
