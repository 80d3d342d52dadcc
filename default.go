// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"sync"
)

var defaultHolder struct {
	mu sync.Mutex
	a  *Allocator
}

// Default returns the process-wide allocator, creating it with
// DefaultCapacity slots on first use. Prefer passing an explicit *Allocator;
// Default exists for callers that cannot thread one through.
func Default() *Allocator {
	defaultHolder.mu.Lock()
	defer defaultHolder.mu.Unlock()
	if defaultHolder.a == nil {
		a, err := New(DefaultCapacity)
		if err != nil {
			// DefaultCapacity is a power of two
			panic(err)
		}
		defaultHolder.a = a
	}
	return defaultHolder.a
}

// CloseDefault closes the process-wide allocator if it was created. A later
// call to Default creates a fresh one.
func CloseDefault() error {
	defaultHolder.mu.Lock()
	a := defaultHolder.a
	defaultHolder.a = nil
	defaultHolder.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Close()
}

// Scoped creates an allocator, passes it to fn and closes it on every exit
// path of fn, including a panic.
func Scoped(capacity int, fn func(a *Allocator) error, opts ...Option) (err error) {
	a, err := New(capacity, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
