package sensors

import (
	"testing"
	"time"
)

func TestSystemHealthReadPopulatesSnapshot(t *testing.T) {
	h := NewSystemHealth(".", time.Second)
	h.Read()

	snap := h.Snapshot()
	if snap.Degraded {
		t.Fatal("expected a fast local read to succeed within the collection budget")
	}
	if snap.MemUsedPercent < 0 || snap.MemUsedPercent > 100 {
		t.Fatalf("MemUsedPercent out of range: %v", snap.MemUsedPercent)
	}
}

func TestSystemHealthDegradesOnTinyBudget(t *testing.T) {
	h := NewSystemHealth(".", time.Nanosecond)
	h.Read()

	snap := h.Snapshot()
	if !snap.Degraded {
		t.Skip("collection finished inside a nanosecond budget on this machine; timeout path not exercised")
	}
}

func TestSystemHealthDefaultsBudgetWhenZero(t *testing.T) {
	h := NewSystemHealth(".", 0)
	if h.budget != time.Second {
		t.Fatalf("budget = %v, want 1s default", h.budget)
	}
}
