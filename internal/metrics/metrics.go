// Package metrics exposes allocator and buffer cache counters to Prometheus.
//
// Every recording method is safe on a nil *Metrics, so components take an
// optional collector and never branch on it themselves.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kcore"

type Metrics struct {
	freePages	*prometheus.GaugeVec
	allocFails	prometheus.Counter
	retains		prometheus.Counter
	releases	prometheus.Counter

	cacheHits	prometheus.Counter
	cacheMisses	prometheus.Counter
	evictions	prometheus.Counter
	diskReads	prometheus.Counter
	diskWrites	prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		freePages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "kalloc", Name: "free_pages",
			Help: "Pages currently on a free list, by shard.",
		}, []string{"shard"}),
		allocFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kalloc", Name: "alloc_failures_total",
			Help: "Allocations that found every shard empty.",
		}),
		retains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kalloc", Name: "retains_total",
			Help: "Reference count increments on allocated pages.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kalloc", Name: "releases_total",
			Help: "Reference count decrements on allocated pages.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "hits_total",
			Help: "Reads served by a buffer already tagged with the block.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "misses_total",
			Help: "Reads that had to retag a slot.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "evictions_total",
			Help: "Misses that retagged a slot previously holding another block.",
		}),
		diskReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "disk_reads_total",
			Help: "Block reads issued to the device.",
		}),
		diskWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "disk_writes_total",
			Help: "Block writes issued to the device.",
		}),
	}

	reg.MustRegister(
		m.freePages, m.allocFails, m.retains, m.releases,
		m.cacheHits, m.cacheMisses, m.evictions, m.diskReads, m.diskWrites,
	)
	return m
}

func (m *Metrics) PagePopped(shard int) {
	if m == nil { return }
	m.freePages.WithLabelValues(strconv.Itoa(shard)).Dec()
}

func (m *Metrics) PagePushed(shard int) {
	if m == nil { return }
	m.freePages.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (m *Metrics) AllocFailed() {
	if m == nil { return }
	m.allocFails.Inc()
}

func (m *Metrics) Retained() {
	if m == nil { return }
	m.retains.Inc()
}

func (m *Metrics) Released() {
	if m == nil { return }
	m.releases.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil { return }
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss(evicted bool) {
	if m == nil { return }
	m.cacheMisses.Inc()
	if evicted {
		m.evictions.Inc()
	}
}

func (m *Metrics) DiskRead() {
	if m == nil { return }
	m.diskReads.Inc()
}

func (m *Metrics) DiskWrite() {
	if m == nil { return }
	m.diskWrites.Inc()
}
