// SPDX-License-Identifier: Apache-2.0

package refring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonExhausted = "exhausted"
	reasonSource    = "source"
	reasonInvalid   = "invalid"
)

type metrics struct {
	allocations        prometheus.Counter
	allocationFailures *prometheus.CounterVec
	adoptions          prometheus.Counter
	releases           prometheus.Counter
	collected          prometheus.Counter
	collectedBytes     prometheus.Counter
	requeued           prometheus.Counter
}

func newMetrics(r prometheus.Registerer, a *Allocator) *metrics {
	m := &metrics{
		allocations: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "allocations_total",
			Help:      "Total number of blocks allocated and published into the slot table.",
		}),
		allocationFailures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "allocation_failures_total",
			Help:      "Total number of failed allocations by reason.",
		}, []string{"reason"}),
		adoptions: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "adopted_blocks_total",
			Help:      "Total number of external blocks that received a new tracking slot.",
		}),
		releases: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "releases_total",
			Help:      "Total number of successful reference releases.",
		}),
		collected: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "collected_slots_total",
			Help:      "Total number of slots reclaimed by collectors.",
		}),
		collectedBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "collected_bytes_total",
			Help:      "Total number of block bytes reclaimed by collectors.",
		}),
		requeued: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "refring",
			Name:      "requeued_slots_total",
			Help:      "Total number of still referenced slots a collector put back.",
		}),
	}

	promauto.With(r).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "refring",
		Name:      "used",
		Help:      "Advisory count of outstanding references.",
	}, func() float64 { return float64(a.Used()) })
	promauto.With(r).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "refring",
		Name:      "capacity",
		Help:      "Number of slots in the slot table.",
	}, func() float64 { return float64(a.Cap()) })

	return m
}
