// SPDX-License-Identifier: Apache-2.0

package refring

import "github.com/pkg/errors"

var (
	// ErrCapacityNotPowerOfTwo is returned when a ring or allocator is created
	// with a capacity that is not a positive power of two.
	ErrCapacityNotPowerOfTwo = errors.New("refring: capacity must be a power of two")

	// ErrRingFull is returned by Send when every slot is still occupied.
	ErrRingFull = errors.New("refring: no free slot")

	// ErrExhausted is returned by Allocate and AddRefBlock when the slot table
	// has no room for another reference.
	ErrExhausted = errors.New("refring: slot table exhausted")

	// ErrInvalidHandle is returned for handles that were never issued by the
	// allocator or whose slot has since been reused.
	ErrInvalidHandle = errors.New("refring: invalid handle")

	// ErrReleased is returned when a slot's count has already reached zero.
	ErrReleased = errors.New("refring: reference already released")

	// ErrNothingReady is returned by TryCollectOnce when no slot can be
	// reclaimed.
	ErrNothingReady = errors.New("refring: nothing to collect")

	ErrInvalidSize     = errors.New("refring: invalid block size")
	ErrNilBlock        = errors.New("refring: nil block")
	ErrClosed          = errors.New("refring: allocator closed")
	ErrCountOverflow   = errors.New("refring: reference count overflow")
	ErrBlockTooLarge   = errors.New("refring: block larger than chunk size")
	ErrSourceExhausted = errors.New("refring: block source exhausted")
	ErrSourceReleased  = errors.New("refring: block source released")
	ErrNoSource        = errors.New("refring: no block source")
	ErrBufferFull      = errors.New("refring: block buffer full")
)
