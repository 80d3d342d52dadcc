// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRingCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1, 3, 6, 100} {
		_, err := NewRing[int](capacity, 0)
		require.ErrorIs(t, err, ErrCapacityNotPowerOfTwo, "capacity %d", capacity)
	}
	for _, capacity := range []int{1, 2, 8, 1024} {
		r, err := NewRing[int](capacity, 0)
		require.NoError(t, err)
		require.Equal(t, capacity, r.Cap())
	}
}

func TestRingFresh(t *testing.T) {
	r, err := NewRing[int](8, 0)
	require.NoError(t, err)

	require.Equal(t, 8, r.Free())
	require.Equal(t, 0, r.Ready())
	require.Equal(t, uint64(0), r.Sent())

	var out int
	_, ok := r.TryWait(&out)
	require.False(t, ok)
}

func TestRingSendWait(t *testing.T) {
	r, err := NewRing[string](4, 0)
	require.NoError(t, err)

	for i, v := range []string{"a", "b", "c"} {
		pos, err := r.Send(v)
		require.NoError(t, err)
		require.Equal(t, uint64(i), pos)
	}
	require.Equal(t, 3, r.Ready())
	require.Equal(t, 1, r.Free())

	var out string
	idx := r.Wait(&out)
	require.Equal(t, uint64(0), idx)
	require.Equal(t, "a", out)

	idx, ok := r.TryWait(&out)
	require.True(t, ok)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, "b", out)

	require.Equal(t, 1, r.Ready())
	require.Equal(t, 3, r.Free())
}

func TestRingFull(t *testing.T) {
	r, err := NewRing[int](4, 0)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Send(i)
		require.NoError(t, err)
	}
	_, err = r.Send(4)
	require.ErrorIs(t, err, ErrRingFull)
	// the failed send visited every slot once
	require.Equal(t, uint64(8), r.Sent())

	var out int
	require.Equal(t, uint64(0), r.Wait(&out))
	require.Equal(t, 0, out)

	pos, err := r.Send(5)
	require.NoError(t, err)
	require.Equal(t, uint64(8), pos)
	require.Equal(t, uint64(0), pos&3)
}

func TestRingSendFuncFillsInPlace(t *testing.T) {
	type pair struct {
		pos uint64
		val int
	}
	r, err := NewRing[pair](2, 0)
	require.NoError(t, err)

	pos, err := r.SendFunc(func(pos uint64, dst *pair) {
		dst.pos = pos
		dst.val = 42
	})
	require.NoError(t, err)

	var out pair
	r.Wait(&out)
	require.Equal(t, pair{pos: pos, val: 42}, out)
}

func TestRingWaitContext(t *testing.T) {
	r, err := NewRing[int](4, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out int
	_, err = r.WaitContext(ctx, &out)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = r.Send(7)
	}()
	idx, err := r.WaitContext(context.Background(), &out)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)
	require.Equal(t, 7, out)
}

func TestRingScanRequeuesRejected(t *testing.T) {
	r, err := NewRing[int](4, 0)
	require.NoError(t, err)
	for _, v := range []int{1, 2, 3} {
		_, err := r.Send(v)
		require.NoError(t, err)
	}

	var seen []int
	idx, ok := r.scan(func(_ uint64, v *int) bool {
		seen = append(seen, *v)
		return *v == 2
	})
	require.True(t, ok)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, []int{1, 2}, seen)

	// 1 and 3 are still ready, 2 is held by the caller
	require.Equal(t, 2, r.Ready())
	r.free(idx)
	require.Equal(t, 2, r.Free())

	_, ok = r.scan(func(uint64, *int) bool { return false })
	require.False(t, ok)
	require.Equal(t, 2, r.Ready())
}

func TestRingConcurrentSendUniquePositions(t *testing.T) {
	const (
		producers = 8
		perWorker = 1000
	)
	r, err := NewRing[int](8192, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	positions := make([][]uint64, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				pos, err := r.Send(i)
				if err != nil {
					t.Errorf("send: %v", err)
					return
				}
				positions[p] = append(positions[p], pos)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, producers*perWorker)
	for _, ps := range positions {
		for _, pos := range ps {
			_, dup := seen[pos]
			require.False(t, dup, "position %d handed out twice", pos)
			seen[pos] = struct{}{}
		}
	}
	require.Len(t, seen, producers*perWorker)
	require.Equal(t, producers*perWorker, r.Ready())
}

func TestRingConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perWorker = 2000
		total     = producers * perWorker
	)
	r, err := NewRing[int](64, 4)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		tickets  atomic.Int64
		received atomic.Int64
		sum      atomic.Int64
	)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tickets.Add(1) <= total {
				var v int
				r.Wait(&v)
				sum.Add(int64(v))
				received.Add(1)
			}
		}()
	}

	var want int64
	for p := 0; p < producers; p++ {
		for i := 0; i < perWorker; i++ {
			want += int64(p*perWorker + i + 1)
		}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := p*perWorker + i + 1
				for {
					if _, err := r.Send(v); err == nil {
						break
					}
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, int64(total), received.Load())
	require.Equal(t, want, sum.Load())
	require.Equal(t, 64, r.Free())
}

func BenchmarkRingSendWait(b *testing.B) {
	r, err := NewRing[int](1024, 0)
	require.NoError(b, err)

	var out int
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = r.Send(i)
		r.Wait(&out)
	}
}
