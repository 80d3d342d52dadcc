// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, DefaultCapacity, cfg.Capacity)
	require.Equal(t, DefaultIdleThreshold, cfg.IdleThreshold)
	require.Equal(t, SourceHeap, cfg.Source.Kind)
	require.Equal(t, defaultChunkSize, cfg.Source.ChunkSize)
	require.Equal(t, defaultChunkCount, cfg.Source.ChunkCount)
	require.Equal(t, 1, cfg.Collector.Workers)
	require.Equal(t, 100*time.Microsecond, cfg.Collector.MinBackoff)
	require.Equal(t, 100*time.Millisecond, cfg.Collector.MaxBackoff)
	require.NoError(t, cfg.Validate())
}

func TestConfigFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"-refring.capacity=64",
		"-refring.source.kind=slab",
		"-refring.source.chunk-size=256",
		"-refring.collector.workers=3",
		"-refring.collector.max-backoff=1s",
	}))
	require.Equal(t, 64, cfg.Capacity)
	require.Equal(t, SourceSlab, cfg.Source.Kind)
	require.Equal(t, 256, cfg.Source.ChunkSize)
	require.Equal(t, defaultChunkCount, cfg.Source.ChunkCount)
	require.Equal(t, 3, cfg.Collector.Workers)
	require.Equal(t, time.Second, cfg.Collector.MaxBackoff)
	require.NoError(t, cfg.Validate())
}

func TestParseConfig(t *testing.T) {
	cfg := DefaultConfig()
	err := ParseConfig([]byte(`
capacity: 16
idle_threshold: 4
source:
  kind: slab
  chunk_size: 128
  chunk_count: 32
collector:
  workers: 2
  min_backoff: 1ms
  max_backoff: 10ms
`), &cfg)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Capacity)
	require.Equal(t, 4, cfg.IdleThreshold)
	require.Equal(t, SourceConfig{Kind: SourceSlab, ChunkSize: 128, ChunkCount: 32}, cfg.Source)
	require.Equal(t, 2, cfg.Collector.Workers)
	require.Equal(t, time.Millisecond, cfg.Collector.MinBackoff)
	require.Equal(t, 10*time.Millisecond, cfg.Collector.MaxBackoff)

	// missing fields keep their defaults
	cfg = DefaultConfig()
	require.NoError(t, ParseConfig([]byte("capacity: 32\n"), &cfg))
	require.Equal(t, 32, cfg.Capacity)
	require.Equal(t, SourceHeap, cfg.Source.Kind)

	cfg = DefaultConfig()
	require.NoError(t, ParseConfig(nil, &cfg))
	require.Equal(t, DefaultCapacity, cfg.Capacity)
}

func TestParseConfigErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":   "capacity: 16\nbogus: true\n",
		"bad capacity":    "capacity: 12\n",
		"unknown source":  "source:\n  kind: disk\n",
		"bad slab":        "source:\n  kind: slab\n  chunk_size: 0\n",
		"bad collector":   "collector:\n  workers: 0\n",
		"malformed yaml":  "capacity: [\n",
		"inverted ranges": "collector:\n  min_backoff: 1s\n  max_backoff: 1ms\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.Error(t, ParseConfig([]byte(doc), &cfg))
		})
	}

	cfg := DefaultConfig()
	require.ErrorIs(t, ParseConfig([]byte("capacity: 12\n"), &cfg), ErrCapacityNotPowerOfTwo)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refring.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capacity: 128\ncollector:\n  workers: 4\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.Capacity)
	require.Equal(t, 4, cfg.Collector.Workers)
	require.Equal(t, DefaultIdleThreshold, cfg.IdleThreshold)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("capacity: 3\n"), 0o600))
	_, err = LoadConfig(bad)
	require.ErrorIs(t, err, ErrCapacityNotPowerOfTwo)
}

func TestNewSource(t *testing.T) {
	s, err := NewSource(SourceConfig{Kind: SourceHeap})
	require.NoError(t, err)
	require.IsType(t, &heapSource{}, s)

	s, err = NewSource(SourceConfig{})
	require.NoError(t, err)
	require.IsType(t, &heapSource{}, s)

	s, err = NewSource(SourceConfig{Kind: SourceSlab, ChunkSize: 64, ChunkCount: 4})
	require.NoError(t, err)
	require.IsType(t, &concurrentSource{}, s)
	require.Equal(t, 256, s.Cap())
	require.NoError(t, s.Release())

	_, err = NewSource(SourceConfig{Kind: "disk"})
	require.Error(t, err)
	_, err = NewSource(SourceConfig{Kind: SourceSlab, ChunkSize: -1, ChunkCount: 1})
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 8
	cfg.Source = SourceConfig{Kind: SourceSlab, ChunkSize: 64, ChunkCount: 8}

	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, 64, a.Stats().SourceBytes)
	require.Equal(t, 8, a.Cap())

	_, err = a.Allocate(65)
	require.ErrorIs(t, err, ErrBlockTooLarge)

	_, err = a.Release(h)
	require.NoError(t, err)
	_, err = a.TryCollectOnce()
	require.NoError(t, err)
	require.Equal(t, 0, a.Stats().SourceBytes)
	require.Equal(t, 64, a.Stats().SourcePeak)

	cfg.Capacity = 5
	_, err = NewFromConfig(cfg)
	require.ErrorIs(t, err, ErrCapacityNotPowerOfTwo)
}
