// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"sync"
)

// concurrentSource serializes access to a Source that is not safe for
// concurrent use. Releasing it releases the wrapped source once and drops it:
// later allocations fail with ErrSourceReleased, and only the peak survives.
type concurrentSource struct {
	mtx      sync.Mutex
	s        Source
	released bool
	peak     int
}

// NewConcurrentSource returns a source that is safe to be accessed concurrently
// from multiple goroutines. Allocating from a wrapper around a nil source fails
// with ErrNoSource.
func NewConcurrentSource(s Source) Source {
	return &concurrentSource{s: s}
}

// Alloc satisfies the Source interface.
func (c *concurrentSource) Alloc(size int) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	switch {
	case c.released:
		return nil, ErrSourceReleased
	case c.s == nil:
		return nil, ErrNoSource
	}
	return c.s.Alloc(size)
}

// Free satisfies the Source interface. Blocks freed after Release are dropped.
func (c *concurrentSource) Free(b []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.s != nil {
		c.s.Free(b)
	}
}

// Release satisfies the Source interface. Only the first call reaches the
// wrapped source.
func (c *concurrentSource) Release() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if c.s == nil {
		return nil
	}
	c.peak = c.s.Peak()
	err := c.s.Release()
	c.s = nil
	return err
}

// Len returns the total number of bytes currently handed out.
func (c *concurrentSource) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.s == nil {
		return 0
	}
	return c.s.Len()
}

// Cap returns the total capacity of the wrapped source, or zero once released.
func (c *concurrentSource) Cap() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.s == nil {
		return 0
	}
	return c.s.Cap()
}

// Peak returns the peak number of bytes handed out by the wrapped source.
func (c *concurrentSource) Peak() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.s == nil {
		return c.peak
	}
	return c.s.Peak()
}
