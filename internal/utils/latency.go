package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencySummary describes the retained window of a LatencyTracker.
type LatencySummary struct {
	Observed uint64
	Samples  int
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// LatencyTracker keeps the most recent durations in a fixed ring and summarises them.
type LatencyTracker struct {
	mu       sync.Mutex
	ring     []time.Duration
	next     int
	full     bool
	observed uint64
}

// NewLatencyTracker creates a tracker retaining up to size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records d and returns the total number of observations so far.
func (l *LatencyTracker) Observe(d time.Duration) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.observed++
	return l.observed
}

// Percentile returns the nearest-rank percentile (0-100) of the retained samples, zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	sorted := l.sorted()
	return rank(sorted, p)
}

// Summary computes mean and tail percentiles over the retained samples.
func (l *LatencyTracker) Summary() LatencySummary {
	l.mu.Lock()
	observed := l.observed
	l.mu.Unlock()

	sorted := l.sorted()
	out := LatencySummary{Observed: observed, Samples: len(sorted)}
	if len(sorted) == 0 {
		return out
	}
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	out.Mean = total / time.Duration(len(sorted))
	out.P50 = rank(sorted, 50)
	out.P95 = rank(sorted, 95)
	out.P99 = rank(sorted, 99)
	out.Max = sorted[len(sorted)-1]
	return out
}

func (l *LatencyTracker) sorted() []time.Duration {
	l.mu.Lock()
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	out := append([]time.Duration(nil), l.ring[:n]...)
	l.mu.Unlock()

	slices.Sort(out)
	return out
}

func rank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	idx := int(p/100*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}
