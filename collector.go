// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"context"
	"flag"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CollectorConfig configures the background collector.
type CollectorConfig struct {
	// Workers is the number of goroutines calling TryCollectOnce.
	Workers    int           `yaml:"workers"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *CollectorConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+"workers", 1, "Number of collector goroutines reclaiming released slots.")
	f.DurationVar(&cfg.MinBackoff, prefix+"min-backoff", 100*time.Microsecond, "Minimum time a collector waits after a pass that found nothing to reclaim.")
	f.DurationVar(&cfg.MaxBackoff, prefix+"max-backoff", 100*time.Millisecond, "Maximum time a collector waits between passes that find nothing to reclaim.")
}

func (cfg *CollectorConfig) Validate() error {
	if cfg.Workers <= 0 {
		return errors.New("collector workers must be greater than 0")
	}
	if cfg.MinBackoff <= 0 || cfg.MaxBackoff < cfg.MinBackoff {
		return errors.Errorf("invalid collector backoff range [%s, %s]", cfg.MinBackoff, cfg.MaxBackoff)
	}
	return nil
}

type collectorMetrics struct {
	passes *prometheus.CounterVec
}

func newCollectorMetrics(r prometheus.Registerer) *collectorMetrics {
	return &collectorMetrics{
		passes: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "collector_passes_total",
			Help:      "Total number of collection passes by result.",
		}, []string{"result"}),
	}
}

// Collector runs a fixed number of workers that reclaim released slots of an
// Allocator until the service is stopped.
type Collector struct {
	services.Service

	cfg       CollectorConfig
	alloc     *Allocator
	logger    log.Logger
	metrics   *collectorMetrics
	collected atomic.Int64
	wg        sync.WaitGroup
}

// NewCollector returns a collector service for a. Start it with
// services.StartAndAwaitRunning and stop it before closing a.
func NewCollector(cfg CollectorConfig, a *Allocator, logger log.Logger, reg prometheus.Registerer) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Collector{
		cfg:     cfg,
		alloc:   a,
		logger:  log.With(logger, "component", "collector"),
		metrics: newCollectorMetrics(reg),
	}
	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c
}

func (c *Collector) running(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "starting collector", "workers", c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.work(ctx, i)
	}
	<-ctx.Done()
	c.wg.Wait()
	return nil
}

func (c *Collector) stopping(_ error) error {
	level.Info(c.logger).Log("msg", "collector stopped", "collected", c.collected.Load())
	return nil
}

func (c *Collector) work(ctx context.Context, id int) {
	defer c.wg.Done()

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.MinBackoff,
		MaxBackoff: c.cfg.MaxBackoff,
	})
	for b.Ongoing() {
		_, err := c.alloc.TryCollectOnce()
		switch {
		case err == nil:
			c.collected.Add(1)
			c.metrics.passes.WithLabelValues("collected").Inc()
			b.Reset()
		case errors.Is(err, ErrNothingReady):
			c.metrics.passes.WithLabelValues("empty").Inc()
			b.Wait()
		default:
			c.metrics.passes.WithLabelValues("error").Inc()
			level.Error(c.logger).Log("msg", "collection pass failed", "worker", id, "err", err)
			b.Wait()
		}
	}
}

// Collected returns the number of slots reclaimed by this collector.
func (c *Collector) Collected() int64 {
	return c.collected.Load()
}
