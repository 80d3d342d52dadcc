// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"runtime"
	"sync/atomic"
)

// Ref ties the lifetime of a block to a tracked slot of an Allocator.
// Creating a Ref takes a reference, Close drops it. A Ref that becomes
// unreachable without being closed releases its reference when the garbage
// collector reclaims it.
//
// A Ref is a value owned by one goroutine; share it by calling Clone.
type Ref struct {
	a       *Allocator
	block   []byte
	tok     *refToken
	cleanup runtime.Cleanup
}

// refToken holds what the cleanup needs. It must never point back at the Ref.
type refToken struct {
	a *Allocator
	h atomic.Int64
}

func (t *refToken) release() {
	h := Handle(t.h.Swap(int64(InvalidHandle)))
	if h >= 0 {
		_, _ = t.a.Release(h)
	}
}

// NewRef starts tracking block in a and returns a Ref holding one reference.
// If block is already tracked, the existing slot is shared.
func NewRef(a *Allocator, block []byte) (*Ref, error) {
	h, err := a.AddRefBlock(block)
	if err != nil {
		return nil, err
	}
	return newRef(a, block, h), nil
}

// NewDefaultRef is NewRef on the default allocator.
func NewDefaultRef(block []byte) (*Ref, error) {
	return NewRef(Default(), block)
}

// RefOf takes an additional reference on h and wraps it in a Ref.
func RefOf(a *Allocator, h Handle) (*Ref, error) {
	r, lap, err := a.slot(h)
	if err != nil {
		return nil, err
	}
	if _, err := r.acquire(lap); err != nil {
		return nil, err
	}
	a.used.Add(1)
	return newRef(a, r.block, h), nil
}

func newRef(a *Allocator, block []byte, h Handle) *Ref {
	ref := &Ref{}
	ref.bind(a, block, h)
	return ref
}

func (r *Ref) bind(a *Allocator, block []byte, h Handle) {
	tok := &refToken{a: a}
	tok.h.Store(int64(h))
	r.a = a
	r.block = block
	r.tok = tok
	r.cleanup = runtime.AddCleanup(r, func(t *refToken) { t.release() }, tok)
}

// Clone returns a new Ref tracking the same slot. Cloning an empty Ref
// returns an empty Ref.
func (r *Ref) Clone() (*Ref, error) {
	if r.tok == nil {
		return &Ref{a: r.a}, nil
	}
	return RefOf(r.a, r.Handle())
}

// Assign makes r track the same slot as src. It is a no-op when both already
// track the same slot or when src is empty.
func (r *Ref) Assign(src *Ref) error {
	if src == nil || src.tok == nil {
		return nil
	}
	h := src.Handle()
	if r.tok != nil && r.a == src.a && r.Handle() == h {
		return nil
	}
	// zero-length blocks are not indexed, so go through the handle
	if _, err := src.a.AddRef(h); err != nil {
		return err
	}
	r.reset()
	r.bind(src.a, src.block, h)
	return nil
}

// Close drops the reference held by r. Closing an empty or already closed Ref
// is a no-op.
func (r *Ref) Close() error {
	r.reset()
	return nil
}

func (r *Ref) reset() {
	if r.tok != nil {
		r.cleanup.Stop()
		r.tok.release()
		r.tok = nil
	}
	r.block = nil
}

// Valid reports whether r holds a block.
func (r *Ref) Valid() bool {
	return r.block != nil
}

// Bytes returns the tracked block. It is not re-validated: the block must not
// be used after the reference has been closed.
func (r *Ref) Bytes() []byte {
	return r.block
}

// Handle returns the handle of the tracked slot, or InvalidHandle.
func (r *Ref) Handle() Handle {
	if r.tok == nil {
		return InvalidHandle
	}
	return Handle(r.tok.h.Load())
}
