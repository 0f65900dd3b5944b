// SPDX-License-Identifier: Apache-2.0

// Package arenaprom exports bufarena arena and pool state as Prometheus
// metrics.
package arenaprom

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	bufarena "github.com/wundergraph/go-bufarena"
)

// Collector reads tracked arenas and pools at scrape time. It implements
// prometheus.Collector and is safe for concurrent use.
//
// Arena state is read through the tolerant introspection accessors, so a
// tracked arena that has since been released reports zeros rather than
// panicking the scrape. Untrack names you are done with to retire their
// series.
type Collector struct {
	mu     sync.Mutex
	arenas map[string]*bufarena.Arena
	pools  map[string]*bufarena.Pool

	used      *prometheus.Desc
	capacity  *prometheus.Desc
	available *prometheus.Desc
	peak      *prometheus.Desc
	jobs      *prometheus.Desc

	acquires *prometheus.Desc
	created  *prometheus.Desc
	recycled *prometheus.Desc
	releases *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a Collector whose metric names are prefixed with
// namespace. Register it with a prometheus.Registerer; nothing is exported
// until arenas or pools are tracked.
func NewCollector(namespace string) *Collector {
	arenaLabels := []string{"arena"}
	poolLabels := []string{"pool"}
	return &Collector{
		arenas: make(map[string]*bufarena.Arena),
		pools:  make(map[string]*bufarena.Pool),
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena", "used_bytes"),
			"Bytes in use, arena header included.",
			arenaLabels, nil,
		),
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena", "capacity_bytes"),
			"Total usable bytes, arena header included.",
			arenaLabels, nil,
		),
		available: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena", "available_bytes"),
			"Largest single allocation the arena can still satisfy.",
			arenaLabels, nil,
		),
		peak: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena", "peak_bytes"),
			"High-water mark of used bytes, surviving bulk frees.",
			arenaLabels, nil,
		),
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena", "free_jobs"),
			"Pending on-free callbacks.",
			arenaLabels, nil,
		),
		acquires: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena_pool", "acquires_total"),
			"Arena acquisitions from the pool.",
			poolLabels, nil,
		),
		created: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena_pool", "created_total"),
			"Arenas newly built because nothing pooled survived.",
			poolLabels, nil,
		),
		recycled: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena_pool", "recycled_total"),
			"Acquisitions served by a pooled arena.",
			poolLabels, nil,
		),
		releases: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arena_pool", "releases_total"),
			"Arenas returned to the pool.",
			poolLabels, nil,
		),
	}
}

// TrackArena starts exporting a's state under the given label value,
// replacing any arena previously tracked under the same name.
func (c *Collector) TrackArena(name string, a *bufarena.Arena) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arenas[name] = a
}

// UntrackArena stops exporting the named arena.
func (c *Collector) UntrackArena(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.arenas, name)
}

// TrackPool starts exporting p's counters under the given label value.
func (c *Collector) TrackPool(name string, p *bufarena.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[name] = p
}

// UntrackPool stops exporting the named pool.
func (c *Collector) UntrackPool(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.used
	ch <- c.capacity
	ch <- c.available
	ch <- c.peak
	ch <- c.jobs
	ch <- c.acquires
	ch <- c.created
	ch <- c.recycled
	ch <- c.releases
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, a := range c.arenas {
		m := a.Metrics()
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(m.Used), name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(m.Capacity), name)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(m.Available), name)
		ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(m.Peak), name)
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(m.Jobs), name)
	}
	for name, p := range c.pools {
		s := p.Stats()
		ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires), name)
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(s.Created), name)
		ch <- prometheus.MustNewConstMetric(c.recycled, prometheus.CounterValue, float64(s.Recycled), name)
		ch <- prometheus.MustNewConstMetric(c.releases, prometheus.CounterValue, float64(s.Releases), name)
	}
}
