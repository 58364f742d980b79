package engram

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordStore is called after each store operation.
	// duration is the total time taken, err is nil if successful.
	RecordStore(duration time.Duration, err error)

	// RecordBatchStore is called after each batch store operation.
	// count is the number of items attempted, duration is the total time taken.
	RecordBatchStore(count int, duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordRemove is called after each remove operation.
	RecordRemove(duration time.Duration, err error)

	// RecordPersist is called after each persist operation.
	RecordPersist(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordStore(time.Duration, error)           {}
func (NoopMetricsCollector) RecordBatchStore(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)          {}
func (NoopMetricsCollector) RecordPersist(time.Duration, error)         {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	StoreCount       atomic.Int64
	StoreErrors      atomic.Int64
	StoreTotalNanos  atomic.Int64
	BatchStoreCount  atomic.Int64
	BatchStoreItems  atomic.Int64
	BatchStoreErrors atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	RemoveCount      atomic.Int64
	RemoveErrors     atomic.Int64
	PersistCount     atomic.Int64
	PersistErrors    atomic.Int64
}

// RecordStore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStore(duration time.Duration, err error) {
	b.StoreCount.Add(1)
	b.StoreTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.StoreErrors.Add(1)
	}
}

// RecordBatchStore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchStore(count int, duration time.Duration, err error) {
	b.BatchStoreCount.Add(1)
	b.BatchStoreItems.Add(int64(count))
	if err != nil {
		b.BatchStoreErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordPersist implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPersist(duration time.Duration, err error) {
	b.PersistCount.Add(1)
	if err != nil {
		b.PersistErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		StoreCount:       b.StoreCount.Load(),
		StoreErrors:      b.StoreErrors.Load(),
		StoreAvgNanos:    b.getAvgStoreNanos(),
		BatchStoreCount:  b.BatchStoreCount.Load(),
		BatchStoreItems:  b.BatchStoreItems.Load(),
		BatchStoreErrors: b.BatchStoreErrors.Load(),
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   b.getAvgSearchNanos(),
		RemoveCount:      b.RemoveCount.Load(),
		RemoveErrors:     b.RemoveErrors.Load(),
		PersistCount:     b.PersistCount.Load(),
		PersistErrors:    b.PersistErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgStoreNanos() int64 {
	count := b.StoreCount.Load()
	if count == 0 {
		return 0
	}
	return b.StoreTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	StoreCount       int64
	StoreErrors      int64
	StoreAvgNanos    int64
	BatchStoreCount  int64
	BatchStoreItems  int64
	BatchStoreErrors int64
	SearchCount      int64
	SearchErrors     int64
	SearchAvgNanos   int64
	RemoveCount      int64
	RemoveErrors     int64
	PersistCount     int64
	PersistErrors    int64
}
