package batch

import (
	"errors"
	"fmt"
)

// State is a lifecycle state of a batch record.
type State string

const (
	StateDraft          State = "draft"
	StateCreated        State = "created"
	StateInProgress     State = "in_progress"
	StateCompleted      State = "completed"
	StatePublishPending State = "publish_pending"
	StatePublished      State = "published"
	StateAcknowledged   State = "acknowledged"
	StateFailed         State = "failed"
)

// Event is a lifecycle event requesting a state transition.
type Event string

const (
	EventCreate         Event = "create"
	EventStart          Event = "start"
	EventComplete       Event = "complete"
	EventRequestPublish Event = "request_publish"
	EventConfirmPublish Event = "confirm_publish"
	EventAcknowledge    Event = "acknowledge"
	EventFail           Event = "fail"
)

// ErrInvalidTransition is returned for any (state, event) pair not present in
// the transition table. The record is left unchanged.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions is the fixed, exhaustive lifecycle graph. EventFail is handled
// separately because Failed is reachable from every non-terminal state.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventCreate: StateCreated,
	},
	StateCreated: {
		EventStart: StateInProgress,
	},
	StateInProgress: {
		EventComplete: StateCompleted,
	},
	StateCompleted: {
		EventRequestPublish: StatePublishPending,
	},
	StatePublishPending: {
		EventConfirmPublish: StatePublished,
	},
	StatePublished: {
		EventAcknowledge: StateAcknowledged,
	},
}

// Next validates and resolves a transition. It is a pure function: it does no
// I/O and never mutates the record.
func Next(current State, ev Event) (State, error) {
	if ev == EventFail {
		if Terminal(current) {
			return "", fmt.Errorf("%w: %s cannot fail from terminal state %s", ErrInvalidTransition, ev, current)
		}
		return StateFailed, nil
	}
	next, ok := transitions[current][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, ev, current)
	}
	return next, nil
}

// Terminal reports whether no further transitions are possible from s.
func Terminal(s State) bool {
	return s == StateAcknowledged || s == StateFailed
}

// ConfirmPublish resolves the PublishPending -> Published transition. It also
// enforces the guard that a record may only enter Published when a remote
// identity has already been assigned.
func ConfirmPublish(rec Record) (State, error) {
	next, err := Next(rec.State, EventConfirmPublish)
	if err != nil {
		return "", err
	}
	if rec.RemoteID == "" {
		return "", fmt.Errorf("%w: cannot enter %s without a remote id", ErrInvalidTransition, StatePublished)
	}
	return next, nil
}
