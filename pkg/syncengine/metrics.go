package syncengine

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/kittclouds/kittgraph/pkg/syncengine"

// Metrics is a read-only snapshot of the engine counters.
type Metrics struct {
	Flushes            int64         `json:"flushes"`
	AvgFlushLatency    time.Duration `json:"avgFlushLatency"`
	TotalMutations     int64         `json:"totalMutations"`
	FailedMutations    int64         `json:"failedMutations"`
	DiscardedMutations int64         `json:"discardedMutations"`
	Rollbacks          int64         `json:"rollbacks"`
	CacheHits          int64         `json:"cacheHits"`
	CacheMisses        int64         `json:"cacheMisses"`
}

// counters keeps the running totals and mirrors them to OpenTelemetry
// instruments. Instruments are nil when the meter refused to create them.
type counters struct {
	flushes      atomic.Int64
	flushNanos   atomic.Int64
	total        atomic.Int64
	failed       atomic.Int64
	discarded    atomic.Int64
	rollbacks    atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	flushCounter metric.Int64Counter
	flushTime    metric.Float64Histogram
	mutations    metric.Int64Counter
	failures     metric.Int64Counter
	discards     metric.Int64Counter
	cacheLookups metric.Int64Counter
}

func newCounters(meter metric.Meter) *counters {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	c := &counters{}
	c.flushCounter, _ = meter.Int64Counter("kittgraph.sync.flushes",
		metric.WithDescription("Write buffer flushes executed"),
		metric.WithUnit("1"))
	c.flushTime, _ = meter.Float64Histogram("kittgraph.sync.flush.duration",
		metric.WithDescription("Flush latency in milliseconds"),
		metric.WithUnit("ms"))
	c.mutations, _ = meter.Int64Counter("kittgraph.sync.mutations",
		metric.WithDescription("Mutations enqueued"),
		metric.WithUnit("1"))
	c.failures, _ = meter.Int64Counter("kittgraph.sync.mutations.failed",
		metric.WithDescription("Mutations in failed batches"),
		metric.WithUnit("1"))
	c.discards, _ = meter.Int64Counter("kittgraph.sync.mutations.discarded",
		metric.WithDescription("Queued mutations dropped by a rollback"),
		metric.WithUnit("1"))
	c.cacheLookups, _ = meter.Int64Counter("kittgraph.sync.cache.lookups",
		metric.WithDescription("Local cache reads by outcome"),
		metric.WithUnit("1"))
	return c
}

func (c *counters) flushed(d time.Duration) {
	c.flushes.Add(1)
	c.flushNanos.Add(int64(d))
	if c.flushCounter != nil {
		c.flushCounter.Add(context.Background(), 1)
	}
	if c.flushTime != nil {
		c.flushTime.Record(context.Background(), float64(d.Microseconds())/1000)
	}
}

func (c *counters) enqueued(n int) {
	c.total.Add(int64(n))
	if c.mutations != nil {
		c.mutations.Add(context.Background(), int64(n))
	}
}

func (c *counters) rolledBack(failed, discarded int) {
	c.rollbacks.Add(1)
	c.failed.Add(int64(failed))
	c.discarded.Add(int64(discarded))
	if c.failures != nil {
		c.failures.Add(context.Background(), int64(failed))
	}
	if c.discards != nil && discarded > 0 {
		c.discards.Add(context.Background(), int64(discarded))
	}
}

func (c *counters) lookup(hit bool) {
	outcome := "miss"
	if hit {
		c.hits.Add(1)
		outcome = "hit"
	} else {
		c.misses.Add(1)
	}
	if c.cacheLookups != nil {
		c.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Flushes:            c.flushes.Load(),
		TotalMutations:     c.total.Load(),
		FailedMutations:    c.failed.Load(),
		DiscardedMutations: c.discarded.Load(),
		Rollbacks:          c.rollbacks.Load(),
		CacheHits:          c.hits.Load(),
		CacheMisses:        c.misses.Load(),
	}
	if m.Flushes > 0 {
		m.AvgFlushLatency = time.Duration(c.flushNanos.Load() / m.Flushes)
	}
	return m
}
