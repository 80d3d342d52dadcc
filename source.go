// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"math"
	"sync/atomic"
)

// Source is the underlying allocator that hands out the blocks tracked by an
// Allocator. The Allocator only does slot bookkeeping; acquiring and returning
// bytes is delegated to its Source.
type Source interface {
	// Alloc returns a zeroed block of exactly size bytes.
	Alloc(size int) ([]byte, error)

	// Free returns a block previously obtained from Alloc.
	// Blocks must not be used after they are freed.
	Free(b []byte)

	// Release releases the source's underlying memory back to the system.
	// After invoking this method, the source should not be used for further allocations.
	Release() error

	// Len returns the total number of bytes currently handed out.
	Len() int

	// Cap returns the total capacity (maximum bytes) the source can hand out.
	Cap() int

	// Peak returns the high-water mark of Len.
	Peak() int
}

type heapSource struct {
	inUse atomic.Int64
	peak  atomic.Int64
}

// NewHeapSource returns a Source backed by the Go heap. It is safe for
// concurrent use and has no capacity limit of its own.
func NewHeapSource() Source {
	return &heapSource{}
}

// Alloc satisfies the Source interface.
func (s *heapSource) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	b := make([]byte, size)
	s.track(int64(size))
	return b, nil
}

// Free satisfies the Source interface.
func (s *heapSource) Free(b []byte) {
	s.inUse.Add(-int64(len(b)))
}

// Release satisfies the Source interface.
func (s *heapSource) Release() error {
	s.inUse.Store(0)
	return nil
}

func (s *heapSource) track(n int64) {
	cur := s.inUse.Add(n)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

func (s *heapSource) Len() int  { return int(s.inUse.Load()) }
func (s *heapSource) Cap() int  { return math.MaxInt }
func (s *heapSource) Peak() int { return int(s.peak.Load()) }
