package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(domainTasksTotal.WithLabelValues("network", TaskAbsent))
	DomainTask("network", TaskAbsent)
	if got := testutil.ToFloat64(domainTasksTotal.WithLabelValues("network", TaskAbsent)); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	beforeInv := testutil.ToFloat64(investigationsTotal.WithLabelValues(OutcomeCompleted))
	ObserveInvestigation(-time.Second, OutcomeCompleted)
	if got := testutil.ToFloat64(investigationsTotal.WithLabelValues(OutcomeCompleted)); got != beforeInv+1 {
		t.Fatalf("expected %v, got %v", beforeInv+1, got)
	}
}
