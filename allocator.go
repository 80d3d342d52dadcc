// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the slot count used by Default.
const DefaultCapacity = 4096

// Handle identifies one publication of a slot. It is only meaningful to the
// allocator that returned it and becomes invalid once the slot is collected.
type Handle int64

// InvalidHandle is returned together with an error by every operation that
// fails to produce a handle.
const InvalidHandle Handle = -1

// Allocator is a fixed-capacity registry of reference-counted blocks.
// Producers call Allocate, AddRef and Release; collectors call TryCollectOnce.
// All methods are safe for concurrent use.
type Allocator struct {
	ring    *Ring[reference]
	source  Source
	index   *blockIndex
	used    atomic.Int64
	closed  atomic.Bool
	logger  log.Logger
	metrics *metrics
}

type options struct {
	idleThreshold int
	source        Source
	logger        log.Logger
	reg           prometheus.Registerer
}

// Option represents a configuration option for an Allocator.
type Option func(*options)

// WithIdleThreshold sets how many failed claims a blocking collector tolerates
// before yielding.
func WithIdleThreshold(n int) Option {
	return func(o *options) {
		o.idleThreshold = n
	}
}

// WithSource sets the source blocks are obtained from. It defaults to the Go
// heap. The source must be safe for concurrent use.
func WithSource(s Source) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the allocator metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = r
	}
}

// New creates an allocator with room for capacity concurrently tracked blocks.
// capacity must be a power of two.
func New(capacity int, opts ...Option) (*Allocator, error) {
	o := options{
		idleThreshold: DefaultIdleThreshold,
		logger:        log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = NewHeapSource()
	}

	ring, err := NewRing[reference](capacity, o.idleThreshold)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		ring:   ring,
		source: o.source,
		index:  newBlockIndex(),
		logger: o.logger,
	}
	a.metrics = newMetrics(o.reg, a)
	return a, nil
}

// Allocate obtains size bytes from the source and publishes them in a new
// slot with a reference count of one.
func (a *Allocator) Allocate(size int) (Handle, error) {
	if a.closed.Load() {
		return InvalidHandle, ErrClosed
	}
	if size < 0 {
		a.metrics.allocationFailures.WithLabelValues(reasonInvalid).Inc()
		return InvalidHandle, ErrInvalidSize
	}

	b, err := a.source.Alloc(size)
	if err != nil {
		a.metrics.allocationFailures.WithLabelValues(reasonSource).Inc()
		return InvalidHandle, errors.Wrapf(err, "allocate %d bytes", size)
	}

	h, err := a.publish(b, false)
	if err != nil {
		a.source.Free(b)
		return InvalidHandle, err
	}
	a.metrics.allocations.Inc()
	return h, nil
}

// AddRefBlock starts tracking block. If block is already tracked by a live
// slot, that slot's count is incremented and its handle returned; otherwise
// the block is adopted into a new slot with a count of one. Adopted blocks are
// never returned to the source when collected.
//
// A block whose slot has already dropped to zero cannot be revived and yields
// ErrReleased.
func (a *Allocator) AddRefBlock(block []byte) (Handle, error) {
	if a.closed.Load() {
		return InvalidHandle, ErrClosed
	}
	key := blockKey(block)
	if key == 0 {
		return InvalidHandle, ErrNilBlock
	}

	sh := a.index.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if h, ok := sh.m[key]; ok {
		_, err := a.AddRef(h)
		switch {
		case err == nil:
			return h, nil
		case errors.Is(err, ErrInvalidHandle):
			// stale entry left behind by a reused slot
			delete(sh.m, key)
		default:
			return InvalidHandle, err
		}
	}

	h, err := a.publishUnindexed(block, true, key)
	if err != nil {
		return InvalidHandle, err
	}
	sh.m[key] = h
	a.metrics.adoptions.Inc()
	return h, nil
}

func (a *Allocator) publish(b []byte, foreign bool) (Handle, error) {
	key := blockKey(b)
	h, err := a.publishUnindexed(b, foreign, key)
	if err != nil {
		return InvalidHandle, err
	}
	if key != 0 {
		a.index.put(key, h)
	}
	return h, nil
}

func (a *Allocator) publishUnindexed(b []byte, foreign bool, key uintptr) (Handle, error) {
	pos, err := a.ring.SendFunc(func(pos uint64, r *reference) {
		r.pos = pos
		r.block = b
		r.size = len(b)
		r.foreign = foreign
		r.key = key
		r.state.Store(packState(a.ring.lap(pos), 1))
	})
	if err != nil {
		a.metrics.allocationFailures.WithLabelValues(reasonExhausted).Inc()
		level.Debug(a.logger).Log("msg", "slot table exhausted", "capacity", a.ring.Cap(), "used", a.used.Load())
		return InvalidHandle, ErrExhausted
	}
	a.used.Add(1)
	return Handle(pos), nil
}

// slot resolves h to its slot and the lap the slot must be in.
func (a *Allocator) slot(h Handle) (*reference, uint32, error) {
	if h < 0 || uint64(h) >= a.ring.Sent() {
		return nil, 0, ErrInvalidHandle
	}
	pos := uint64(h)
	return a.ring.at(pos), a.ring.lap(pos), nil
}

// AddRef increments the count of the slot identified by h and returns the new
// count.
func (a *Allocator) AddRef(h Handle) (int64, error) {
	r, lap, err := a.slot(h)
	if err != nil {
		return int64(InvalidHandle), err
	}
	c, err := r.acquire(lap)
	if err != nil {
		return int64(InvalidHandle), err
	}
	a.used.Add(1)
	return int64(c), nil
}

// Release decrements the count of the slot identified by h and returns the
// new count. Once the count reaches zero the slot is eligible for collection
// and further releases fail with ErrReleased.
func (a *Allocator) Release(h Handle) (int64, error) {
	r, lap, err := a.slot(h)
	if err != nil {
		return int64(InvalidHandle), err
	}
	c, err := r.release(lap)
	if err != nil {
		return int64(InvalidHandle), err
	}
	a.used.Add(-1)
	a.metrics.releases.Inc()
	return int64(c), nil
}

// Count returns the current reference count of h.
func (a *Allocator) Count(h Handle) (int64, error) {
	r, lap, err := a.slot(h)
	if err != nil {
		return int64(InvalidHandle), err
	}
	c, err := r.count(lap)
	if err != nil {
		return int64(InvalidHandle), err
	}
	return int64(c), nil
}

// Size returns the byte size of the block tracked by h.
func (a *Allocator) Size(h Handle) (int, error) {
	var size int
	err := a.View(h, func(b []byte) { size = len(b) })
	if err != nil {
		return 0, err
	}
	return size, nil
}

// View pins the slot identified by h for the duration of fn and passes it the
// tracked block. fn must not retain the block after it returns unless it holds
// its own reference.
func (a *Allocator) View(h Handle, fn func(block []byte)) error {
	r, lap, err := a.slot(h)
	if err != nil {
		return err
	}
	if _, err := r.acquire(lap); err != nil {
		return err
	}
	defer func() { _, _ = r.release(lap) }()
	fn(r.block)
	return nil
}

// TryCollectOnce inspects at most one full lap of published slots and
// reclaims the first one whose count is zero, returning its handle. Slots that
// are still referenced are put back and stay eligible for later passes.
// It returns ErrNothingReady without blocking when nothing can be reclaimed.
func (a *Allocator) TryCollectOnce() (Handle, error) {
	var h Handle = InvalidHandle
	idx, ok := a.ring.scan(func(_ uint64, r *reference) bool {
		if stateCount(r.state.Load()) != 0 {
			a.metrics.requeued.Inc()
			return false
		}
		h = Handle(r.pos)
		return true
	})
	if !ok {
		return InvalidHandle, ErrNothingReady
	}
	a.reclaim(idx)
	return h, nil
}

// CollectOnce blocks until a slot has been reclaimed or ctx is done. Between
// empty passes it backs off exponentially.
func (a *Allocator) CollectOnce(ctx context.Context) (Handle, error) {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Microsecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	for b.Ongoing() {
		h, err := a.TryCollectOnce()
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNothingReady) {
			return InvalidHandle, err
		}
		b.Wait()
	}
	return InvalidHandle, b.Err()
}

// reclaim frees the block of the claimed slot at idx and returns the slot to
// the free pool.
func (a *Allocator) reclaim(idx uint64) {
	r := a.ring.at(idx)
	if r.key != 0 {
		a.index.remove(r.key, Handle(r.pos))
	}
	size := r.size
	if !r.foreign {
		a.source.Free(r.block)
	}
	r.dispose()
	a.ring.free(idx)

	a.metrics.collected.Inc()
	a.metrics.collectedBytes.Add(float64(size))
}

// Used returns the advisory number of outstanding references. It is updated
// separately from the slots it describes and may be briefly off under
// concurrency; never use it as a capacity bound.
func (a *Allocator) Used() int64 {
	return a.used.Load()
}

// Cap returns the number of slots.
func (a *Allocator) Cap() int {
	return a.ring.Cap()
}

// Stats is a point-in-time snapshot of allocator state.
type Stats struct {
	Capacity    int
	Used        int64
	Live        int // slots published and not yet collected
	Free        int
	Sent        uint64
	SourceBytes int
	SourcePeak  int
}

// Stats returns a snapshot of the allocator. Fields are read independently
// and may not be mutually consistent while producers are running.
func (a *Allocator) Stats() Stats {
	free := a.ring.Free()
	return Stats{
		Capacity:    a.ring.Cap(),
		Used:        a.used.Load(),
		Live:        a.ring.Cap() - free,
		Free:        free,
		Sent:        a.ring.Sent(),
		SourceBytes: a.source.Len(),
		SourcePeak:  a.source.Peak(),
	}
}

// Close reclaims every remaining slot regardless of its count and releases
// the source. Collectors must be stopped first. Handles issued by a closed
// allocator are invalid.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	dropped := 0
	for {
		idx, ok := a.ring.scan(func(uint64, *reference) bool { return true })
		if !ok {
			break
		}
		r := a.ring.at(idx)
		if r.key != 0 {
			a.index.remove(r.key, Handle(r.pos))
		}
		if !r.foreign {
			a.source.Free(r.block)
		}
		if stateCount(r.state.Load()) != 0 {
			dropped++
		}
		r.dispose()
		a.ring.free(idx)
	}
	a.used.Store(0)
	if dropped > 0 {
		level.Warn(a.logger).Log("msg", "closed allocator with live references", "slots", dropped)
	}
	if err := a.source.Release(); err != nil {
		return errors.Wrap(err, "release block source")
	}
	return nil
}
