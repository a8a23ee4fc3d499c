package jobset

import (
	"testing"
	"time"
)

func TestJobsetSharesCoercedToOne(t *testing.T) {
	js := newJobset(0, nil)
	if js.SchedulingShares() != 1 {
		t.Fatalf("expected zero shares coerced to 1, got %d", js.SchedulingShares())
	}
}

func TestJobsetRecentSecondsWindowed(t *testing.T) {
	now := time.Now()
	js := newJobset(5, nil)
	js.AddStep(now.Add(-2*time.Hour), 10*time.Second) // outside window
	js.AddStep(now.Add(-time.Minute), 30*time.Second) // inside window

	got := js.RecentSeconds(now)
	if got != 30 {
		t.Fatalf("expected 30s of recent usage, got %v", got)
	}
}
