// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"unsafe"
)

// AllocateOf allocates a block large enough to hold a value of type T.
// If the allocator is nil, ErrClosed is returned.
func AllocateOf[T any](a *Allocator) (Handle, error) {
	if a == nil {
		return InvalidHandle, ErrClosed
	}
	var x T
	return a.Allocate(int(unsafe.Sizeof(x)))
}

// AllocateSlice allocates a block large enough to hold n values of type T.
func AllocateSlice[T any](a *Allocator, n int) (Handle, error) {
	if a == nil {
		return InvalidHandle, ErrClosed
	}
	if n < 0 {
		return InvalidHandle, ErrInvalidSize
	}
	var x T
	return a.Allocate(int(unsafe.Sizeof(x)) * n)
}

// Elements returns the number of whole values of type T that fit in block.
func Elements[T any](block []byte) int {
	var x T
	size := int(unsafe.Sizeof(x))
	if size == 0 {
		return 0
	}
	return len(block) / size
}
