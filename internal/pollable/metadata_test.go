package pollable

import (
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		ev   Event
		ok   bool
	}{
		{StateWaiting, EventEnqueue, true},
		{StateErrored, EventEnqueue, true},
		{StateActive, EventEnqueue, true}, // lock-contention revert
		{StateEnqueued, EventEnqueue, false},
		{StateDeactivated, EventEnqueue, false},

		{StateWaiting, EventPoll, true},
		{StateEnqueued, EventPoll, true},
		{StateErrored, EventPoll, true},
		{StateActive, EventPoll, false},
		{StateDeactivated, EventPoll, false},

		{StateActive, EventErrored, true},
		{StateWaiting, EventErrored, false},
		{StateEnqueued, EventErrored, false},

		{StateActive, EventWait, true},
		{StateErrored, EventWait, false},

		{StateWaiting, EventDeactivate, true},
		{StateEnqueued, EventDeactivate, true},
		{StateActive, EventDeactivate, true},
		{StateErrored, EventDeactivate, true},
		{StateDeactivated, EventDeactivate, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.ev); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.ev, got, tc.ok)
		}
	}
}

func TestEventTarget(t *testing.T) {
	t.Parallel()

	cases := map[Event]State{
		EventEnqueue:    StateEnqueued,
		EventPoll:       StateActive,
		EventErrored:    StateErrored,
		EventWait:       StateWaiting,
		EventDeactivate: StateDeactivated,
	}
	for ev, want := range cases {
		got, err := ev.Target()
		if err != nil {
			t.Fatalf("Target(%s): %v", ev, err)
		}
		if got != want {
			t.Errorf("Target(%s) = %s, want %s", ev, got, want)
		}
	}
	if _, err := Event("bogus").Target(); err == nil {
		t.Errorf("Target(bogus) did not fail")
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Now()

	m := &MetaData{State: StateWaiting, NextPolling: now.Add(-time.Minute)}
	if !m.Due(now) {
		t.Fatalf("past waiting record not due")
	}

	m.NextPolling = now.Add(time.Minute)
	if m.Due(now) {
		t.Fatalf("future record due")
	}

	// Boundary is strict: next_polling == now is not yet due.
	m.NextPolling = now
	if m.Due(now) {
		t.Fatalf("record due at its exact next_polling")
	}

	m.NextPolling = now.Add(-time.Minute)
	for _, st := range []State{StateEnqueued, StateActive, StateErrored, StateDeactivated} {
		m.State = st
		if m.Due(now) {
			t.Errorf("%s record reported due", st)
		}
	}
}

func TestRefValidate(t *testing.T) {
	t.Parallel()

	if err := (Ref{Kind: "feed", EntityID: "42"}).Validate(); err != nil {
		t.Fatalf("valid ref: %v", err)
	}
	if err := (Ref{EntityID: "42"}).Validate(); err == nil {
		t.Fatalf("empty kind accepted")
	}
	if err := (Ref{Kind: "feed"}).Validate(); err == nil {
		t.Fatalf("empty entity id accepted")
	}
}
