// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/wundergraph/go-refring"
)

func TestRunStress(t *testing.T) {
	cfg := refring.DefaultConfig()
	cfg.Capacity = 64
	cfg.Collector.Workers = 2

	opts := &runOptions{
		producers: 4,
		blockSize: 128,
		duration:  50 * time.Millisecond,
	}
	s, err := runStress(context.Background(), cfg, opts, log.NewNopLogger())
	require.NoError(t, err)
	require.Greater(t, s.Allocations, int64(0))
	require.Equal(t, s.Allocations, s.Releases)
	require.LessOrEqual(t, s.Collected, s.Allocations)
	require.LessOrEqual(t, s.PeakUsed, int64(cfg.Capacity))
}

func TestRunStressSlab(t *testing.T) {
	cfg := refring.DefaultConfig()
	cfg.Capacity = 16
	cfg.Source = refring.SourceConfig{Kind: refring.SourceSlab, ChunkSize: 256, ChunkCount: 8}

	opts := &runOptions{
		producers: 8,
		blockSize: 256,
		duration:  50 * time.Millisecond,
		hold:      time.Millisecond,
	}
	s, err := runStress(context.Background(), cfg, opts, log.NewNopLogger())
	require.NoError(t, err)
	require.Greater(t, s.Allocations, int64(0))
	require.Equal(t, s.Allocations, s.Releases)
}

func executeRoot(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRunCommand(t *testing.T) {
	require.NoError(t, executeRoot(
		"run",
		"--capacity", "32",
		"--producers", "2",
		"--collectors", "1",
		"--duration", "20ms",
		"--json",
		"--log.level", "error",
	))

	require.ErrorIs(t, executeRoot("run", "--capacity", "12", "--duration", "1ms"), refring.ErrCapacityNotPowerOfTwo)

	err := executeRoot("run", "--capacity", "32", "--duration", "1ms", "--log.format", "xml")
	require.ErrorContains(t, err, `unknown log format "xml"`)
	err = executeRoot("run", "--capacity", "32", "--duration", "1ms", "--log.level", "trace")
	require.ErrorContains(t, err, `unknown log level "trace"`)
}

func TestRunCommandFlagsDoNotLeakBetweenExecutions(t *testing.T) {
	require.Error(t, executeRoot("run", "--capacity", "32", "--duration", "1ms", "--log.format", "xml"))
	require.NoError(t, executeRoot("run", "--capacity", "32", "--duration", "1ms", "--log.level", "error"))
}
