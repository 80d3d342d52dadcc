// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/cpu"
)

const indexShards = 16

// blockIndex maps block addresses to the handle of the slot tracking them,
// so that adopting a block that is already tracked bumps the existing slot
// instead of creating a second owner for the same memory.
type blockIndex struct {
	shards [indexShards]indexShard
}

type indexShard struct {
	mu sync.Mutex
	m  map[uintptr]Handle
	_  cpu.CacheLinePad
}

func newBlockIndex() *blockIndex {
	idx := &blockIndex{}
	for i := range idx.shards {
		idx.shards[i].m = make(map[uintptr]Handle)
	}
	return idx
}

func (idx *blockIndex) shard(key uintptr) *indexShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return &idx.shards[xxhash.Sum64(buf[:])%indexShards]
}

// remove drops key only if it still points at h.
func (idx *blockIndex) remove(key uintptr, h Handle) {
	sh := idx.shard(key)
	sh.mu.Lock()
	if cur, ok := sh.m[key]; ok && cur == h {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
}

func (idx *blockIndex) put(key uintptr, h Handle) {
	sh := idx.shard(key)
	sh.mu.Lock()
	sh.m[key] = h
	sh.mu.Unlock()
}

func (idx *blockIndex) len() int {
	n := 0
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// blockKey returns the address identifying b, or 0 for blocks without
// backing storage.
func blockKey(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
