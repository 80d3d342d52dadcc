// SPDX-License-Identifier: Apache-2.0

//go:build unix

package refring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapRegion maps an anonymous private region of size bytes. The returned
// function unmaps it; calling it twice is a no-op.
func mapRegion(size int) ([]byte, func() error, error) {
	if size == 0 {
		return []byte{}, func() error { return nil }, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %d bytes", size)
	}
	unmap := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return err
	}
	return data, unmap, nil
}
