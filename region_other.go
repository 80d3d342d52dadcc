// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package refring

// mapRegion falls back to the Go heap where mmap is not available.
func mapRegion(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
