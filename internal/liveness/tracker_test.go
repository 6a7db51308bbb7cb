package liveness

import (
	"testing"
	"time"

	"seismon/internal/model"
)

func TestInitialStateUnknown(t *testing.T) {
	tr := NewTracker(30 * time.Second)
	if tr.State() != model.LivenessUnknown {
		t.Fatalf("state: %s", tr.State())
	}
	if st, changed := tr.Evaluate(time.Now().Add(time.Hour)); st != model.LivenessUnknown || changed {
		t.Fatalf("unknown must not go stale: %s %v", st, changed)
	}
	if tr.Liveness().LastSampleTime != nil {
		t.Fatalf("unexpected last sample time")
	}
}

func TestTimeoutTransitions(t *testing.T) {
	timeout := 30 * time.Second
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr := NewTracker(timeout)
	tr.Touch(t0)
	if st, _ := tr.Evaluate(t0.Add(timeout - time.Second)); st != model.LivenessConnected {
		t.Fatalf("before timeout: %s", st)
	}
	st, changed := tr.Evaluate(t0.Add(timeout + time.Second))
	if st != model.LivenessStale || !changed {
		t.Fatalf("after timeout: %s changed=%v", st, changed)
	}
	if _, changed := tr.Evaluate(t0.Add(timeout + 2*time.Second)); changed {
		t.Fatalf("stale reported twice")
	}

	tr.Touch(t0.Add(time.Minute))
	if tr.State() != model.LivenessConnected {
		t.Fatalf("touch after stale: %s", tr.State())
	}
	last, ok := tr.LastSampleTime()
	if !ok || !last.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last sample time: %s", last)
	}
}

func TestTouchKeepsLatestTimestamp(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(time.Second)
	tr.Touch(t0.Add(5 * time.Second))
	tr.Touch(t0)
	last, _ := tr.LastSampleTime()
	if !last.Equal(t0.Add(5 * time.Second)) {
		t.Fatalf("last moved backwards: %s", last)
	}
}

func TestEvaluateOnCopyLeavesOriginal(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(time.Second)
	tr.Touch(t0)
	cp := tr
	cp.Evaluate(t0.Add(time.Minute))
	if cp.State() != model.LivenessStale || tr.State() != model.LivenessConnected {
		t.Fatalf("copy %s original %s", cp.State(), tr.State())
	}
}
