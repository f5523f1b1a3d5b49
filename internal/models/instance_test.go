package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StateRunning, StateStopped, true},
		{StateStopped, StateRunning, true},
		{StateRunning, StateTerminated, true},
		{StateStopped, StateTerminated, true},
		{StatePending, StateStopped, false},
		{StateStopped, StateStopped, false},
		{StateTerminated, StateRunning, false},
		{StateTerminated, StatePending, false},
		{StatePending, StateTerminated, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range []State{StatePending, StateRunning, StateStopped, StateTerminated} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("rebooting").Valid() {
		t.Errorf("unknown state reported valid")
	}
}
