package unread

import (
	"testing"

	logx "inboxd/pkg/logx"
)

func newTestIndex() *Index {
	return NewIndex(logx.Nop(), nil)
}

func TestIncrementAndTotals(t *testing.T) {
	x := newTestIndex()

	x.Increment("c1")
	x.Increment("c1")
	x.Increment("c2")

	if got := x.Count("c1"); got != 2 {
		t.Fatalf("Count(c1) = %d, want 2", got)
	}
	if got := x.Total(); got != 3 {
		t.Fatalf("Total = %d, want 3", got)
	}
}

func TestIncrementActiveConversationIsNoop(t *testing.T) {
	x := newTestIndex()
	x.SetActive("c1")

	x.Increment("c1")
	x.Increment("c2")

	if got := x.Count("c1"); got != 0 {
		t.Fatalf("active conversation count = %d, want 0", got)
	}
	if got := x.Total(); got != 1 {
		t.Fatalf("Total = %d, want 1", got)
	}
}

func TestIncrementEmptyIDIsNoop(t *testing.T) {
	x := newTestIndex()
	x.Increment("")
	if got := x.Total(); got != 0 {
		t.Fatalf("Total = %d, want 0", got)
	}
}

func TestClearConversationFloorsAndIsIdempotent(t *testing.T) {
	x := newTestIndex()
	x.Increment("c1")
	x.Increment("c2")

	x.ClearConversation("c1")
	if got := x.Count("c1"); got != 0 {
		t.Fatalf("cleared count = %d, want 0", got)
	}
	if got := x.Total(); got != 1 {
		t.Fatalf("Total after clear = %d, want 1", got)
	}

	// Second clear, and clearing something never counted, are harmless.
	x.ClearConversation("c1")
	x.ClearConversation("never-seen")
	if got := x.Total(); got != 1 {
		t.Fatalf("Total after repeated clears = %d, want 1", got)
	}
}

func TestReconcileReplacesWholesale(t *testing.T) {
	x := newTestIndex()
	x.Increment("c1")
	x.Increment("c1")
	x.Increment("c3")

	x.Reconcile(map[string]int{"c1": 5, "c2": 1, "c4": 0, "c5": -2})

	if got := x.Count("c1"); got != 5 {
		t.Fatalf("Count(c1) = %d, want 5", got)
	}
	if got := x.Count("c3"); got != 0 {
		t.Fatalf("Count(c3) = %d, want 0 (dropped by snapshot)", got)
	}
	if got := x.Count("c4"); got != 0 {
		t.Fatalf("zero snapshot rows must not be stored, got %d", got)
	}
	if got := x.Total(); got != 6 {
		t.Fatalf("Total = %d, want 6", got)
	}
}

// A snapshot taken before a local clear resurrects the cleared count; the
// index accepts that bounded staleness rather than merging.
func TestReconcileMayResurrectClearedCounts(t *testing.T) {
	x := newTestIndex()
	x.Increment("c1")
	x.ClearConversation("c1")

	x.Reconcile(map[string]int{"c1": 1})
	if got := x.Count("c1"); got != 1 {
		t.Fatalf("Count(c1) = %d, want 1 (snapshot wins)", got)
	}
}

func TestClearAll(t *testing.T) {
	x := newTestIndex()
	x.Increment("c1")
	x.Increment("c2")
	x.ClearAll()
	if x.Total() != 0 || len(x.Counts()) != 0 {
		t.Fatalf("expected empty index after ClearAll")
	}
}
