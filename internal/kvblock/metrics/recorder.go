// Package metrics exposes the block manager's pool occupancy and cache
// hit-rate as Prometheus collectors, grounded in the corpus's own use of
// client_golang for KV-cache observability (llm-d-kv-cache-manager's
// kvcache/metrics package). It has no dependency on kvblock — it only
// implements the method set kvblock.Recorder expects, so the two wire
// together at the call site without an import cycle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder feeds Prometheus collectors from block manager events.
type Recorder struct {
	freeBlocks  prometheus.Gauge
	usedPercent prometheus.Gauge
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	evictions   prometheus.Counter
	capacity    int
}

// New returns a Recorder whose collectors are registered under the
// "pagedkv" namespace. Registering it with a prometheus.Registerer is left
// to the caller (see Collectors).
func New() *Recorder {
	return &Recorder{
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagedkv", Subsystem: "blocks", Name: "free",
			Help: "Number of physical KV-cache blocks currently free or cached.",
		}),
		usedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagedkv", Subsystem: "blocks", Name: "used_ratio",
			Help: "Fraction of the block pool currently occupied by Live blocks.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagedkv", Subsystem: "prefix_cache", Name: "hits_total",
			Help: "Number of prefix-cache lookups that found a matching block.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagedkv", Subsystem: "prefix_cache", Name: "misses_total",
			Help: "Number of prefix-cache lookups that found no matching block.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagedkv", Subsystem: "prefix_cache", Name: "evictions_total",
			Help: "Number of times a cached block was reused under LRU eviction rather than allocated fresh.",
		}),
	}
}

// Collectors returns every collector this Recorder owns, for registration
// with a prometheus.Registerer.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.freeBlocks, r.usedPercent, r.cacheHits, r.cacheMisses, r.evictions}
}

// ObserveOccupancy records the current free-block count and used ratio.
func (r *Recorder) ObserveOccupancy(numFree, capacity int) {
	r.capacity = capacity
	r.freeBlocks.Set(float64(numFree))
	if capacity > 0 {
		r.usedPercent.Set(float64(capacity-numFree) / float64(capacity))
	}
}

// IncCacheHit records a successful prefix-cache lookup.
func (r *Recorder) IncCacheHit() { r.cacheHits.Inc() }

// IncCacheMiss records a failed prefix-cache lookup.
func (r *Recorder) IncCacheMiss() { r.cacheMisses.Inc() }

// IncEviction records an LRU victim being reused to service an allocation.
func (r *Recorder) IncEviction() { r.evictions.Inc() }
