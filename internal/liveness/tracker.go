// Package liveness decides whether a station is still delivering data. The
// tracker is pull-based: it has no timer, and staleness is only noticed when a
// caller evaluates it against a clock reading.
package liveness

import (
	"time"

	"seismon/internal/model"
)

type Tracker struct {
	timeout  time.Duration
	state    model.LivenessState
	last     time.Time
	hasTouch bool
}

func NewTracker(timeout time.Duration) Tracker {
	return Tracker{timeout: timeout, state: model.LivenessUnknown}
}

// Touch records a sample arrival and forces CONNECTED, including recovery from STALE.
func (t *Tracker) Touch(ts time.Time) {
	if !t.hasTouch || ts.After(t.last) {
		t.last = ts
	}
	t.hasTouch = true
	t.state = model.LivenessConnected
}

// Evaluate moves CONNECTED to STALE once now is more than timeout past the
// last sample. It returns the resulting state and whether it changed.
func (t *Tracker) Evaluate(now time.Time) (model.LivenessState, bool) {
	if t.state == model.LivenessConnected && now.Sub(t.last) > t.timeout {
		t.state = model.LivenessStale
		return t.state, true
	}
	return t.state, false
}

func (t Tracker) State() model.LivenessState {
	if t.state == "" {
		return model.LivenessUnknown
	}
	return t.state
}

func (t Tracker) LastSampleTime() (time.Time, bool) {
	return t.last, t.hasTouch
}

func (t Tracker) Timeout() time.Duration {
	return t.timeout
}

func (t Tracker) Liveness() model.Liveness {
	out := model.Liveness{State: t.State()}
	if t.hasTouch {
		last := t.last
		out.LastSampleTime = &last
	}
	return out
}
