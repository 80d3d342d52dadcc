// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/go-refring"
)

type runOptions struct {
	configPath  string
	capacity    int
	idle        int
	producers   int
	collectors  int
	blockSize   int
	source      string
	duration    time.Duration
	hold        time.Duration
	metricsAddr string
	jsonOut     bool
}

// Summary is what a run reports when it finishes.
type Summary struct {
	Duration    time.Duration `json:"duration"`
	Allocations int64         `json:"allocations"`
	Releases    int64         `json:"releases"`
	Exhausted   int64         `json:"exhausted"`
	Collected   int64         `json:"collected"`
	PeakUsed    int64         `json:"peak_used"`
	Remaining   int           `json:"remaining_slots"`
}

func newRunCmd(lo *logOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run producers and collectors for a fixed duration",
		Long: `The run command starts --producers goroutines looping Allocate then
Release and --collectors workers reclaiming released slots, stops them all
after --duration and prints a summary.

Example:
  refstress run --capacity 4096 --producers 4 --collectors 4 --duration 10s
  refstress run --config refring.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			logger, err := lo.logger()
			if err != nil {
				return err
			}
			summary, err := runStress(cmd.Context(), cfg, opts, logger)
			if err != nil {
				return err
			}
			return printSummary(summary, opts.jsonOut)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file; flags given explicitly override it")
	f.IntVar(&opts.capacity, "capacity", refring.DefaultCapacity, "Slot table capacity (power of two)")
	f.IntVar(&opts.idle, "idle", refring.DefaultIdleThreshold, "Idle spin threshold")
	f.IntVar(&opts.producers, "producers", 4, "Number of producer goroutines")
	f.IntVar(&opts.collectors, "collectors", 4, "Number of collector workers")
	f.IntVar(&opts.blockSize, "block-size", 256, "Bytes per allocation")
	f.StringVar(&opts.source, "source", refring.SourceHeap, "Block source: heap or slab")
	f.DurationVar(&opts.duration, "duration", 10*time.Second, "How long producers run")
	f.DurationVar(&opts.hold, "hold", 0, "How long a producer holds each block before releasing it")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.BoolVar(&opts.jsonOut, "json", false, "Print the summary as JSON")
	return cmd
}

// config merges the config file, if any, with the flags set on the command line.
func (o *runOptions) config(cmd *cobra.Command) (refring.Config, error) {
	cfg := refring.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = refring.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	f := cmd.Flags()
	if o.configPath == "" || f.Changed("capacity") {
		cfg.Capacity = o.capacity
	}
	if o.configPath == "" || f.Changed("idle") {
		cfg.IdleThreshold = o.idle
	}
	if o.configPath == "" || f.Changed("collectors") {
		cfg.Collector.Workers = o.collectors
	}
	if o.configPath == "" || f.Changed("source") {
		cfg.Source.Kind = o.source
	}
	if cfg.Source.Kind == refring.SourceSlab && cfg.Source.ChunkSize < o.blockSize {
		cfg.Source.ChunkSize = o.blockSize
	}
	if o.producers <= 0 {
		return cfg, errors.New("producers must be greater than 0")
	}
	return cfg, cfg.Validate()
}

func runStress(ctx context.Context, cfg refring.Config, opts *runOptions, logger log.Logger) (Summary, error) {
	reg := prometheus.NewRegistry()
	a, err := refring.NewFromConfig(cfg, refring.WithLogger(logger), refring.WithRegisterer(reg))
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			level.Warn(logger).Log("msg", "closing allocator", "err", err)
		}
	}()

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	collector := refring.NewCollector(cfg.Collector, a, logger, reg)
	if err := services.StartAndAwaitRunning(ctx, collector); err != nil {
		return Summary{}, errors.Wrap(err, "start collector")
	}

	var (
		allocations, releases, exhausted atomic.Int64
		peak                             atomic.Int64
	)
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	level.Info(logger).Log("msg", "starting producers", "producers", opts.producers, "capacity", cfg.Capacity, "duration", opts.duration)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < opts.producers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				h, err := a.Allocate(opts.blockSize)
				if errors.Is(err, refring.ErrExhausted) || errors.Is(err, refring.ErrSourceExhausted) {
					exhausted.Add(1)
					runtime.Gosched()
					continue
				}
				if err != nil {
					return err
				}
				allocations.Add(1)
				recordPeak(&peak, a.Used())

				if err := a.View(h, stamp); err != nil {
					return errors.Wrapf(err, "view handle %d", h)
				}
				if opts.hold > 0 {
					select {
					case <-gctx.Done():
					case <-time.After(opts.hold):
					}
				}
				if _, err := a.Release(h); err != nil {
					return errors.Wrapf(err, "release handle %d", h)
				}
				releases.Add(1)
			}
			return nil
		})
	}
	producerErr := g.Wait()

	if err := services.StopAndAwaitTerminated(context.Background(), collector); err != nil {
		level.Warn(logger).Log("msg", "stopping collector", "err", err)
	}
	if producerErr != nil {
		return Summary{}, producerErr
	}

	return Summary{
		Duration:    time.Since(start),
		Allocations: allocations.Load(),
		Releases:    releases.Load(),
		Exhausted:   exhausted.Load(),
		Collected:   collector.Collected(),
		PeakUsed:    peak.Load(),
		Remaining:   a.Stats().Live,
	}, nil
}

// stamp writes a recognizable pattern into a block.
func stamp(block []byte) {
	buf := refring.NewBlockBuffer(block)
	for buf.Available() > 0 {
		if err := buf.WriteByte(0xA5); err != nil {
			return
		}
	}
}

func recordPeak(peak *atomic.Int64, v int64) {
	for {
		p := peak.Load()
		if v <= p || peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func printSummary(s Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	fmt.Fprintf(os.Stdout, "duration:     %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(os.Stdout, "allocations:  %d\n", s.Allocations)
	fmt.Fprintf(os.Stdout, "releases:     %d\n", s.Releases)
	fmt.Fprintf(os.Stdout, "exhausted:    %d\n", s.Exhausted)
	fmt.Fprintf(os.Stdout, "collected:    %d\n", s.Collected)
	fmt.Fprintf(os.Stdout, "peak used:    %d\n", s.PeakUsed)
	fmt.Fprintf(os.Stdout, "live slots:   %d\n", s.Remaining)
	return nil
}
