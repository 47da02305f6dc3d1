package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, d := range []time.Duration{50, 10, 40, 20, 30} {
		tracker.Observe(d * time.Millisecond)
	}

	if got := tracker.Percentile(95); got != 50*time.Millisecond {
		t.Fatalf("expected p95 50ms, got %v", got)
	}
	if got := tracker.Percentile(50); got != 30*time.Millisecond {
		t.Fatalf("expected p50 30ms, got %v", got)
	}
	if got := tracker.Percentile(0); got != 10*time.Millisecond {
		t.Fatalf("expected p0 10ms, got %v", got)
	}
}

func TestLatencyTrackerRingKeepsNewest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	var observed uint64
	for i := 1; i <= 10; i++ {
		observed = tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if observed != 10 {
		t.Fatalf("expected 10 observations, got %d", observed)
	}
	sum := tracker.Summary()
	if sum.Samples != 3 || sum.Observed != 10 {
		t.Fatalf("unexpected window: %+v", sum)
	}
	if sum.Mean != 9*time.Millisecond || sum.Max != 10*time.Millisecond {
		t.Fatalf("expected only the newest samples retained, got %+v", sum)
	}
}

func TestLatencyTrackerEmptySummary(t *testing.T) {
	sum := NewLatencyTracker(4).Summary()
	if sum.Samples != 0 || sum.Mean != 0 || sum.P95 != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
}
