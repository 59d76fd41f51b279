// Package fsm is the pure transition table for one pipeline run.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateTranscribing State = "transcribing"
	StateExtracting   State = "extracting"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

const (
	EventStart       Event = "start"
	EventCaptured    Event = "captured"
	EventTranscribed Event = "transcribed"
	EventExtracted   Event = "extracted"
	EventFail        Event = "fail"
	EventCancel      Event = "cancel"
	EventReset       Event = "reset"
)

// Terminal reports whether no further transitions occur for the current run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Active reports whether a run is in flight.
func (s State) Active() bool {
	return s == StateCapturing || s == StateTranscribing || s == StateExtracting
}

// Transition returns the state reached by applying event to current.
//
// Stages only move forward. Fail and Cancel are accepted from every active state;
// Reset returns a terminal run to Idle so the next run can start.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateCapturing, nil
		}
	case StateCapturing, StateTranscribing, StateExtracting:
		switch event {
		case EventFail:
			return StateFailed, nil
		case EventCancel:
			return StateIdle, nil
		case forward[current]:
			return next[current], nil
		}
	case StateSucceeded, StateFailed:
		switch event {
		case EventReset:
			return StateIdle, nil
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

var forward = map[State]Event{
	StateCapturing:    EventCaptured,
	StateTranscribing: EventTranscribed,
	StateExtracting:   EventExtracted,
}

var next = map[State]State{
	StateCapturing:    StateTranscribing,
	StateTranscribing: StateExtracting,
	StateExtracting:   StateSucceeded,
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
