package utils

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfWalksWrappedErrors(t *testing.T) {
	base := RetryableError("agent.network", "upstream timeout", errors.New("deadline exceeded"))
	wrapped := fmt.Errorf("attempt 2: %w", base)

	if got := KindOf(wrapped); got != KindRetryable {
		t.Fatalf("expected retryable kind, got %q", got)
	}
	if !IsKind(wrapped, KindRetryable) {
		t.Fatalf("expected IsKind to match")
	}
}

func TestKindOfSentinels(t *testing.T) {
	if got := KindOf(fmt.Errorf("load: %w", ErrNotFound)); got != KindNotFound {
		t.Fatalf("expected not found, got %q", got)
	}
	if got := KindOf(fmt.Errorf("save: %w", ErrVersionConflict)); got != KindConflict {
		t.Fatalf("expected conflict, got %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestKindOfSkipsUnclassifiedWrapper(t *testing.T) {
	inner := TerminalError("agent.device", "rejected", nil)
	outer := NewAppError("orchestrator.dispatch", "domain failed", inner)
	if got := KindOf(outer); got != KindTerminal {
		t.Fatalf("expected terminal kind through unclassified wrapper, got %q", got)
	}
}

func TestAppErrorWithAttrs(t *testing.T) {
	err := PersistenceError("store.update", errors.New("db closed")).
		With("investigation_id", "inv-1").
		With("attempt", 3)

	msg := err.Error()
	for _, want := range []string{"store.update", "attempt=3", "investigation_id=inv-1", "db closed"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
