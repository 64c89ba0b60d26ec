package batch

import (
	"errors"
	"testing"
)

func TestNext_HappyPath(t *testing.T) {
	steps := []struct {
		from State
		ev   Event
		want State
	}{
		{StateDraft, EventCreate, StateCreated},
		{StateCreated, EventStart, StateInProgress},
		{StateInProgress, EventComplete, StateCompleted},
		{StateCompleted, EventRequestPublish, StatePublishPending},
		{StatePublishPending, EventConfirmPublish, StatePublished},
		{StatePublished, EventAcknowledge, StateAcknowledged},
	}
	for _, step := range steps {
		got, err := Next(step.from, step.ev)
		if err != nil {
			t.Fatalf("Next(%s, %s): %v", step.from, step.ev, err)
		}
		if got != step.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", step.from, step.ev, got, step.want)
		}
	}
}

func TestNext_RejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{StateCompleted, EventCreate},
		{StateCreated, EventComplete},
		{StatePublished, EventConfirmPublish},
		{StateDraft, EventAcknowledge},
		{StateAcknowledged, EventStart},
		{StateFailed, EventCreate},
	}
	for _, c := range cases {
		if _, err := Next(c.from, c.ev); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s, %s) error = %v, want ErrInvalidTransition", c.from, c.ev, err)
		}
	}
}

func TestNext_FailReachableFromNonTerminalStates(t *testing.T) {
	for _, from := range []State{StateDraft, StateCreated, StateInProgress, StateCompleted, StatePublishPending, StatePublished} {
		got, err := Next(from, EventFail)
		if err != nil {
			t.Fatalf("Next(%s, fail): %v", from, err)
		}
		if got != StateFailed {
			t.Fatalf("Next(%s, fail) = %s, want %s", from, got, StateFailed)
		}
	}

	for _, from := range []State{StateAcknowledged, StateFailed} {
		if _, err := Next(from, EventFail); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s, fail) error = %v, want ErrInvalidTransition", from, err)
		}
	}
}

func TestConfirmPublish_RequiresRemoteID(t *testing.T) {
	rec := Record{State: StatePublishPending}
	if _, err := ConfirmPublish(rec); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ConfirmPublish without remote id: error = %v, want ErrInvalidTransition", err)
	}

	rec.RemoteID = "R-1"
	got, err := ConfirmPublish(rec)
	if err != nil {
		t.Fatalf("ConfirmPublish: %v", err)
	}
	if got != StatePublished {
		t.Fatalf("ConfirmPublish = %s, want %s", got, StatePublished)
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(StateAcknowledged) || !Terminal(StateFailed) {
		t.Fatal("acknowledged and failed must be terminal")
	}
	if Terminal(StatePublishPending) {
		t.Fatal("publish_pending must not be terminal")
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := IdempotencyKey("batch-1")
	b := IdempotencyKey("batch-1")
	if a != b {
		t.Fatalf("keys differ for same local id: %s vs %s", a, b)
	}
	if a == IdempotencyKey("batch-2") {
		t.Fatal("distinct local ids produced the same key")
	}
}
