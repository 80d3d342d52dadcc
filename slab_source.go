// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"math"
	"unsafe"
)

const (
	defaultChunkSize  = 4096
	defaultChunkCount = 1024
)

// slabSource carves one contiguous region into fixed-size chunks. Every block
// it hands out occupies exactly one chunk, so a block can never be larger
// than the chunk size.
type slabSource struct {
	region     []byte
	unmap      func() error
	chunkSize  int
	chunkCount int

	free  []int32 // stack of free chunk indexes
	inUse []bool
	len   int
	peak  int
}

// SlabOption represents a configuration option for a slab source.
type SlabOption func(*slabSource)

// WithChunkSize sets the size of every chunk, and therefore the largest block
// the source can hand out.
func WithChunkSize(size int) SlabOption {
	return func(s *slabSource) {
		s.chunkSize = size
	}
}

// WithChunkCount sets the number of chunks in the region.
func WithChunkCount(count int) SlabOption {
	return func(s *slabSource) {
		s.chunkCount = count
	}
}

// NewSlabSource maps a single shared region and returns a Source that serves
// blocks from it. Without options it uses 1024 chunks of 4KB. Both the chunk
// size and the chunk count must be positive, and the region they describe must
// fit in an int; otherwise ErrInvalidSize is returned.
//
// The returned source is not safe for concurrent use; wrap it with
// NewConcurrentSource before handing it to an Allocator.
func NewSlabSource(opts ...SlabOption) (Source, error) {
	s := &slabSource{
		chunkSize:  defaultChunkSize,
		chunkCount: defaultChunkCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 || s.chunkCount <= 0 {
		return nil, ErrInvalidSize
	}
	// chunk indexes are kept as int32
	if s.chunkCount > math.MaxInt32 || s.chunkCount > math.MaxInt/s.chunkSize {
		return nil, ErrInvalidSize
	}

	region, unmap, err := mapRegion(s.chunkSize * s.chunkCount)
	if err != nil {
		return nil, err
	}
	s.region = region
	s.unmap = unmap
	s.inUse = make([]bool, s.chunkCount)
	s.free = make([]int32, 0, s.chunkCount)
	// lowest index on top of the stack
	for i := s.chunkCount - 1; i >= 0; i-- {
		s.free = append(s.free, int32(i))
	}
	return s, nil
}

// Alloc satisfies the Source interface.
func (s *slabSource) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size > s.chunkSize {
		return nil, ErrBlockTooLarge
	}
	if s.region == nil || len(s.free) == 0 {
		return nil, ErrSourceExhausted
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.inUse[idx] = true

	start := int(idx) * s.chunkSize
	b := s.region[start : start+size : start+s.chunkSize]
	clear(b)

	s.len += size
	if s.len > s.peak {
		s.peak = s.len
	}
	return b, nil
}

// Free satisfies the Source interface. Blocks that do not belong to the
// region, or whose chunk is already free, are ignored.
func (s *slabSource) Free(b []byte) {
	idx, ok := s.chunkOf(b)
	if !ok || !s.inUse[idx] {
		return
	}
	s.inUse[idx] = false
	s.free = append(s.free, int32(idx))
	s.len -= len(b)
}

func (s *slabSource) chunkOf(b []byte) (int, bool) {
	if s.region == nil || s.chunkSize == 0 || cap(b) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(s.region)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if ptr < base || ptr >= base+uintptr(len(s.region)) {
		return 0, false
	}
	off := ptr - base
	if off%uintptr(s.chunkSize) != 0 {
		return 0, false
	}
	return int(off / uintptr(s.chunkSize)), true
}

// Release satisfies the Source interface. The region is unmapped; blocks
// handed out earlier must no longer be touched.
func (s *slabSource) Release() error {
	s.region = nil
	s.free = s.free[:0]
	s.len = 0
	if s.unmap == nil {
		return nil
	}
	return s.unmap()
}

// Len returns the total number of bytes currently handed out.
func (s *slabSource) Len() int {
	return s.len
}

// Cap returns the size of the region.
func (s *slabSource) Cap() int {
	return s.chunkSize * s.chunkCount
}

// Peak returns the peak number of bytes handed out at once.
// This value is not reset by Release.
func (s *slabSource) Peak() int {
	return s.peak
}
