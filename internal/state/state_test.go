package state

import (
	"encoding/json"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateRegistered:    "registered",
		StateStarting:      "starting",
		StateRunning:       "running",
		StateStopping:      "stopping",
		StateStopped:       "stopped",
		StateFailed:        "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []State{
		StateUninitialized, StateRegistered, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed,
	} {
		if got := Parse(s.String()); got != s {
			t.Errorf("Parse(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := Parse("bogus"); got != StateUninitialized {
		t.Errorf("Parse(bogus) = %v, want uninitialized", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(StateRunning)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"running"` {
		t.Errorf("Marshal = %s", data)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s != StateRunning {
		t.Errorf("Unmarshal = %v, want running", s)
	}
}

func TestCanTransition(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateUninitialized, StateRegistered},
		{StateRegistered, StateStarting},
		{StateStarting, StateRunning},
		{StateStarting, StateFailed},
		{StateRunning, StateStopping},
		{StateRunning, StateFailed},
		{StateStopping, StateStopped},
		{StateStopped, StateStarting},
		{StateFailed, StateStarting},
	}
	for _, tc := range valid {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%v, %v) = false, want true", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to State }{
		{StateRegistered, StateRunning},
		{StateStopped, StateRunning},
		{StateFailed, StateRunning},
		{StateRunning, StateRegistered},
		{StateStopped, StateStopped},
		{StateUninitialized, StateRunning},
	}
	for _, tc := range invalid {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%v, %v) = true, want false", tc.from, tc.to)
		}
	}
}

func TestCanStartCanStop(t *testing.T) {
	if !StateRegistered.CanStart() || !StateStopped.CanStart() || !StateFailed.CanStart() {
		t.Error("registered/stopped/failed should allow start")
	}
	if StateRunning.CanStart() || StateStarting.CanStart() {
		t.Error("running/starting should not allow start")
	}
	if !StateRunning.CanStop() || !StateStarting.CanStop() {
		t.Error("running/starting should allow stop")
	}
	if StateStopped.CanStop() {
		t.Error("stopped should not allow stop")
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError(StateStopped, StateRunning)
	want := "invalid state transition: stopped -> running"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
