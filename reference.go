// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"sync/atomic"
)

// reference is the value stored in every allocator slot.
//
// state packs the lap of the handle that owns the slot into the high 32 bits
// and the reference count into the low 32 bits, so a count update and the
// check that the slot still belongs to the caller's handle are one CAS.
// A count of zero is terminal for the lap: nothing increments it again and
// the slot is waiting for a collector.
type reference struct {
	state atomic.Uint64

	pos     uint64 // send cursor value the slot was published under
	block   []byte
	size    int
	foreign bool    // block was adopted, not obtained from the source
	key     uintptr // address registered in the block index, 0 if none
}

const countMask = 1<<32 - 1

func packState(lap uint32, count uint32) uint64 {
	return uint64(lap)<<32 | uint64(count)
}

func stateLap(s uint64) uint32 {
	return uint32(s >> 32)
}

func stateCount(s uint64) uint32 {
	return uint32(s & countMask)
}

// acquire increments the count if the slot still belongs to lap and is live.
func (r *reference) acquire(lap uint32) (uint32, error) {
	for {
		s := r.state.Load()
		if stateLap(s) != lap {
			return 0, ErrInvalidHandle
		}
		c := stateCount(s)
		if c == 0 {
			return 0, ErrReleased
		}
		if c == countMask {
			return 0, ErrCountOverflow
		}
		if r.state.CompareAndSwap(s, s+1) {
			return c + 1, nil
		}
	}
}

// release decrements the count if the slot still belongs to lap. It never
// takes the count below zero.
func (r *reference) release(lap uint32) (uint32, error) {
	for {
		s := r.state.Load()
		if stateLap(s) != lap {
			return 0, ErrInvalidHandle
		}
		c := stateCount(s)
		if c == 0 {
			return 0, ErrReleased
		}
		if r.state.CompareAndSwap(s, s-1) {
			return c - 1, nil
		}
	}
}

func (r *reference) count(lap uint32) (uint32, error) {
	s := r.state.Load()
	if stateLap(s) != lap {
		return 0, ErrInvalidHandle
	}
	return stateCount(s), nil
}

// dispose clears the slot. The caller must hold the slot claimed and the
// count must be zero.
func (r *reference) dispose() {
	r.block = nil
	r.size = 0
	r.foreign = false
	r.key = 0
	r.pos = 0
	r.state.Store(0)
}
