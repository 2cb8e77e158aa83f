package pollable

import (
	"errors"
	"fmt"
	"time"
)

// State of a metadata record.
type State string

const (
	StateWaiting     State = "waiting"
	StateEnqueued    State = "enqueued"
	StateActive      State = "active"
	StateErrored     State = "errored"
	StateDeactivated State = "deactivated"
)

// Event drives a state transition.
type Event string

const (
	// EventEnqueue marks a record as handed to the job queue. The
	// active→enqueued arc is the guard-contention revert: the executor
	// puts a record back when the lock could not be acquired so the
	// queue can re-deliver it.
	EventEnqueue Event = "enqueue"
	// EventPoll marks the start of a poll execution.
	EventPoll Event = "poll"
	// EventErrored records a failed poll.
	EventErrored Event = "has_errored"
	// EventWait returns a record to the schedulable pool.
	EventWait Event = "wait"
	// EventDeactivate terminally removes a record from scheduling.
	EventDeactivate Event = "deactivate"
)

var ErrInvalidTransition = errors.New("invalid metadata state transition")

// transitions lists the allowed from-states per event. Deactivation is
// handled separately: it is allowed from every state except deactivated
// itself, which is terminal.
var transitions = map[Event][]State{
	EventEnqueue: {StateWaiting, StateErrored, StateActive},
	EventPoll:    {StateWaiting, StateEnqueued, StateErrored},
	EventErrored: {StateActive},
	EventWait:    {StateActive},
}

// Target returns the destination state of an event.
func (e Event) Target() (State, error) {
	switch e {
	case EventEnqueue:
		return StateEnqueued, nil
	case EventPoll:
		return StateActive, nil
	case EventErrored:
		return StateErrored, nil
	case EventWait:
		return StateWaiting, nil
	case EventDeactivate:
		return StateDeactivated, nil
	default:
		return "", fmt.Errorf("unknown metadata event %q", string(e))
	}
}

// FromStates returns the states an event may fire from.
func (e Event) FromStates() []State {
	if e == EventDeactivate {
		return []State{StateWaiting, StateEnqueued, StateActive, StateErrored}
	}
	return transitions[e]
}

// CanTransition reports whether ev may fire from the given state.
func CanTransition(from State, ev Event) bool {
	for _, s := range ev.FromStates() {
		if s == from {
			return true
		}
	}
	return false
}

// MetaData is the scheduling record of one pollable entity.
//
// NextPolling is interpreted as "not eligible for dispatch before this
// instant" and is always set while the record is waiting.
type MetaData struct {
	ID  int64
	Ref Ref

	State       State
	NextPolling time.Time
	LastPolling *time.Time

	DeactivationReason string
	DeactivatedAt      *time.Time
}

// Due reports whether the record belongs to the due set at the given
// instant: waiting, with NextPolling strictly before now.
func (m *MetaData) Due(now time.Time) bool {
	return m.State == StateWaiting && m.NextPolling.Before(now)
}
