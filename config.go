// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"bytes"
	"flag"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	SourceHeap = "heap"
	SourceSlab = "slab"
)

// Config configures an Allocator and its collector.
type Config struct {
	Capacity      int             `yaml:"capacity"`
	IdleThreshold int             `yaml:"idle_threshold"`
	Source        SourceConfig    `yaml:"source"`
	Collector     CollectorConfig `yaml:"collector"`
}

// SourceConfig selects the block source.
type SourceConfig struct {
	Kind       string `yaml:"kind"`
	ChunkSize  int    `yaml:"chunk_size"`
	ChunkCount int    `yaml:"chunk_count"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("refring.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Capacity, prefix+"capacity", DefaultCapacity, "Number of slots in the slot table. Must be a power of two.")
	f.IntVar(&cfg.IdleThreshold, prefix+"idle-threshold", DefaultIdleThreshold, "Failed claims a spinning consumer tolerates before yielding.")
	cfg.Source.RegisterFlagsWithPrefix(prefix+"source.", f)
	cfg.Collector.RegisterFlagsWithPrefix(prefix+"collector.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *SourceConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Kind, prefix+"kind", SourceHeap, "Block source: heap or slab.")
	f.IntVar(&cfg.ChunkSize, prefix+"chunk-size", defaultChunkSize, "Chunk size of the slab source; the largest block it can serve.")
	f.IntVar(&cfg.ChunkCount, prefix+"chunk-count", defaultChunkCount, "Number of chunks in the slab source region.")
}

func (cfg *SourceConfig) Validate() error {
	switch cfg.Kind {
	case SourceHeap:
		return nil
	case SourceSlab:
		if cfg.ChunkSize <= 0 || cfg.ChunkCount <= 0 {
			return errors.Errorf("slab source needs positive chunk size and count, got %d x %d", cfg.ChunkSize, cfg.ChunkCount)
		}
		return nil
	default:
		return errors.Errorf("unknown block source %q", cfg.Kind)
	}
}

func (cfg *Config) Validate() error {
	if cfg.Capacity <= 0 || cfg.Capacity&(cfg.Capacity-1) != 0 {
		return errors.Wrapf(ErrCapacityNotPowerOfTwo, "capacity %d", cfg.Capacity)
	}
	if err := cfg.Source.Validate(); err != nil {
		return err
	}
	return cfg.Collector.Validate()
}

// DefaultConfig returns a Config holding the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("defaults", flag.ContinueOnError))
	return cfg
}

// LoadConfig reads a YAML config file on top of the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := ParseConfig(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML into cfg, rejecting unknown fields, and validates
// the result.
func ParseConfig(buf []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// NewSource builds the block source described by cfg. Slab sources are
// wrapped for concurrent use.
func NewSource(cfg SourceConfig) (Source, error) {
	switch cfg.Kind {
	case SourceHeap, "":
		return NewHeapSource(), nil
	case SourceSlab:
		s, err := NewSlabSource(WithChunkSize(cfg.ChunkSize), WithChunkCount(cfg.ChunkCount))
		if err != nil {
			return nil, errors.Wrap(err, "create slab source")
		}
		return NewConcurrentSource(s), nil
	default:
		return nil, errors.Errorf("unknown block source %q", cfg.Kind)
	}
}

// NewFromConfig creates an allocator and its block source from cfg.
// Options in opts override the ones derived from cfg.
func NewFromConfig(cfg Config, opts ...Option) (*Allocator, error) {
	src, err := NewSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	all := append([]Option{WithIdleThreshold(cfg.IdleThreshold), WithSource(src)}, opts...)
	a, err := New(cfg.Capacity, all...)
	if err != nil {
		_ = src.Release()
		return nil, err
	}
	return a, nil
}
