package system

import (
	"testing"
	"time"
)

func TestClockReportsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Fatalf("clock drifted: %v", got)
	}
}

// Stale-claim cutoffs are computed from Now, so the fixed clock must stay
// stable between calls and move only on Advance.
func TestFixedClockMovesOnlyOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	clk := NewFixed(start)
	if !clk.Now().Equal(start) || clk.Now().Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", start, clk.Now())
	}
	if !clk.Now().Equal(clk.Now()) {
		t.Fatal("fixed clock moved without Advance")
	}

	clk.Advance(90 * time.Second)
	cutoff := clk.Now().Add(-time.Minute)
	if got := cutoff.Sub(start); got != 30*time.Second {
		t.Fatalf("expected cutoff 30s after start, got %v", got)
	}
}
