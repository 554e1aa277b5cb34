package clock

import (
	"testing"
	"time"
)

func TestFakeClockFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	var fired []string
	fake.AfterFunc(2*time.Hour, func() { fired = append(fired, "late") })
	fake.AfterFunc(time.Hour, func() { fired = append(fired, "early") })
	fake.AfterFunc(3*time.Hour, func() { fired = append(fired, "never") })

	fake.Advance(2 * time.Hour)

	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if fake.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", fake.Pending())
	}
	if !fake.Now().Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("unexpected clock time %s", fake.Now())
	}
}

func TestFakeClockStopPreventsFiring(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	fired := false
	timer := fake.AfterFunc(time.Minute, func() { fired = true })

	if !timer.Stop() {
		t.Fatalf("expected first stop to report a pending timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report nothing pending")
	}
	fake.Advance(time.Hour)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeClockNegativeDelayFiresOnNextAdvance(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	fired := false
	fake.AfterFunc(-time.Minute, func() { fired = true })
	fake.Advance(0)
	if !fired {
		t.Fatalf("expected overdue timer to fire")
	}
}
