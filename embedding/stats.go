package embedding

import (
	"sort"
	"sync"
	"time"
)

// Stats is a snapshot of pipeline latency percentiles.
type Stats struct {
	Count int64
	Mean  time.Duration
	P95   time.Duration
	P99   time.Duration
}

// latencyRing keeps the last N latency samples. Percentiles are derived by
// sorting a copy on read, which is fine because N is small (<= 1000).
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
	total   int64
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = 1000
	}
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.total++
}

func (r *latencyRing) Snapshot() Stats {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	total := r.total
	r.mu.Unlock()

	if n == 0 {
		return Stats{}
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, d := range window {
		sum += d
	}

	return Stats{
		Count: total,
		Mean:  sum / time.Duration(n),
		P95:   window[percentileIndex(n, 95)],
		P99:   window[percentileIndex(n, 99)],
	}
}

func percentileIndex(n, p int) int {
	i := n*p/100 - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
