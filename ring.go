// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"context"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/grafana/dskit/backoff"
	"golang.org/x/sys/cpu"
)

// DefaultIdleThreshold is the number of consecutive failed claims after which
// a waiting consumer yields the processor.
const DefaultIdleThreshold = 8

const (
	flagFree    uint64 = 0
	flagWriting uint64 = 1
	flagClaimed uint64 = 2
	flagReady   uint64 = ^uint64(0)
)

type cell[T any] struct {
	flag  atomic.Uint64
	value T
}

// Ring is a fixed-capacity circular table of slots shared by any number of
// producers and consumers. Producers claim a position with Send, consumers
// take published values with Wait. No locks are taken.
//
// Publish order is not claim order: a consumer must not assume FIFO delivery
// beyond the uniqueness of the positions handed out by Send.
type Ring[T any] struct {
	send atomic.Uint64
	_    cpu.CacheLinePad
	recv atomic.Uint64
	_    cpu.CacheLinePad

	mask  uint64
	shift uint
	idle  int
	cells []cell[T]
}

// NewRing creates a ring with the given capacity, which must be a power of two.
// idleThreshold controls how many failed claims Wait tolerates before yielding;
// values <= 0 select DefaultIdleThreshold.
func NewRing[T any](capacity, idleThreshold int) (*Ring[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return &Ring[T]{
		mask:  uint64(capacity - 1),
		shift: uint(bits.TrailingZeros64(uint64(capacity))),
		idle:  idleThreshold,
		cells: make([]cell[T], capacity),
	}, nil
}

// Send publishes v into the next free slot and returns the unmasked position
// it was written to.
func (r *Ring[T]) Send(v T) (uint64, error) {
	return r.SendFunc(func(_ uint64, dst *T) { *dst = v })
}

// SendFunc claims a free slot and lets fill initialize it in place before the
// slot is published. fill must not retain dst.
func (r *Ring[T]) SendFunc(fill func(pos uint64, dst *T)) (uint64, error) {
	for attempt := uint64(0); attempt <= r.mask; attempt++ {
		pos := r.send.Add(1) - 1
		c := &r.cells[pos&r.mask]
		if !c.flag.CompareAndSwap(flagFree, flagWriting) {
			// still owned by an earlier lap
			continue
		}
		fill(pos, &c.value)
		c.flag.Store(flagReady)
		return pos, nil
	}
	return 0, ErrRingFull
}

// Wait spins until a published value can be claimed, copies it into out,
// frees the slot and returns its masked index. It never returns on a ring
// that nobody publishes to.
func (r *Ring[T]) Wait(out *T) uint64 {
	idx := r.claim()
	r.consume(idx, out)
	return idx
}

// TryWait is the non-blocking form of Wait. It inspects each slot at most once
// and reports false when nothing was ready.
func (r *Ring[T]) TryWait(out *T) (uint64, bool) {
	idx, ok := r.scan(func(uint64, *T) bool { return true })
	if !ok {
		return 0, false
	}
	r.consume(idx, out)
	return idx, true
}

// WaitContext behaves like Wait but backs off exponentially between empty
// sweeps and gives up when ctx is done.
func (r *Ring[T]) WaitContext(ctx context.Context, out *T) (uint64, error) {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 50 * time.Microsecond,
		MaxBackoff: 10 * time.Millisecond,
	})
	for b.Ongoing() {
		if idx, ok := r.TryWait(out); ok {
			return idx, nil
		}
		b.Wait()
	}
	return 0, b.Err()
}

// claim spins until it wins a ready slot.
func (r *Ring[T]) claim() uint64 {
	idle := 0
	pos := r.recv.Load()
	for {
		c := &r.cells[pos&r.mask]
		if c.flag.CompareAndSwap(flagReady, flagClaimed) {
			r.recv.Store(pos + 1)
			return pos & r.mask
		}
		pos++
		idle++
		if idle >= r.idle {
			runtime.Gosched()
			idle = 0
		}
	}
}

// scan claims ready slots starting at the receive cursor, visiting each slot
// at most once, and offers them to keep. The first slot keep accepts stays
// claimed and its index is returned; rejected slots are put back.
func (r *Ring[T]) scan(keep func(idx uint64, v *T) bool) (uint64, bool) {
	pos := r.recv.Load()
	for n := uint64(0); n <= r.mask; n++ {
		idx := pos & r.mask
		c := &r.cells[idx]
		if c.flag.CompareAndSwap(flagReady, flagClaimed) {
			if keep(idx, &c.value) {
				r.recv.Store(pos + 1)
				return idx, true
			}
			c.flag.Store(flagReady)
		}
		pos++
	}
	return 0, false
}

func (r *Ring[T]) consume(idx uint64, out *T) {
	c := &r.cells[idx]
	if out != nil {
		*out = c.value
	}
	var zero T
	c.value = zero
	c.flag.Store(flagFree)
}

// free returns a claimed slot to the free pool.
func (r *Ring[T]) free(idx uint64) {
	r.cells[idx].flag.Store(flagFree)
}

func (r *Ring[T]) at(idx uint64) *T {
	return &r.cells[idx&r.mask].value
}

// lap returns the number of times the send cursor had wrapped when pos was
// claimed.
func (r *Ring[T]) lap(pos uint64) uint32 {
	return uint32(pos >> r.shift)
}

// Cap returns the number of slots in the ring.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Sent returns the value of the send cursor, the next position to be claimed.
func (r *Ring[T]) Sent() uint64 {
	return r.send.Load()
}

// Ready returns the number of slots currently published and unclaimed.
// The value is a snapshot and may be stale by the time it is returned.
func (r *Ring[T]) Ready() int {
	n := 0
	for i := range r.cells {
		if r.cells[i].flag.Load() == flagReady {
			n++
		}
	}
	return n
}

// Free returns the number of slots available to Send.
func (r *Ring[T]) Free() int {
	n := 0
	for i := range r.cells {
		if r.cells[i].flag.Load() == flagFree {
			n++
		}
	}
	return n
}
