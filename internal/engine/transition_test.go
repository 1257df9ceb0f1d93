package engine

import (
	"errors"
	"testing"

	"github.com/BadgerOps/artsync/internal/store"
)

func TestTransition(t *testing.T) {
	statuses := []store.TaskStatus{store.TaskWaiting, store.TaskReplicating, store.TaskCompleted}
	events := []Event{EventStartOnce, EventStartScheduled, EventFinishOnce, EventFinishScheduled, EventReset}

	legal := map[transitionKey]store.TaskStatus{
		{store.TaskWaiting, EventStartOnce}:           store.TaskReplicating,
		{store.TaskWaiting, EventStartScheduled}:      store.TaskReplicating,
		{store.TaskCompleted, EventStartScheduled}:    store.TaskReplicating,
		{store.TaskReplicating, EventFinishOnce}:      store.TaskCompleted,
		{store.TaskReplicating, EventFinishScheduled}: store.TaskWaiting,
		{store.TaskWaiting, EventReset}:               store.TaskWaiting,
		{store.TaskCompleted, EventReset}:             store.TaskWaiting,
	}

	for _, from := range statuses {
		for _, ev := range events {
			got, err := Transition(from, ev)
			want, ok := legal[transitionKey{from, ev}]
			if ok {
				if err != nil {
					t.Errorf("Transition(%s, %s) failed: %v", from, ev, err)
				}
				if got != want {
					t.Errorf("Transition(%s, %s) = %s, want %s", from, ev, got, want)
				}
				continue
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("Transition(%s, %s) error = %v, want ErrIllegalTransition", from, ev, err)
			}
			if got != from {
				t.Errorf("Transition(%s, %s) moved to %s on error", from, ev, got)
			}
		}
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	if _, err := Transition("PAUSED", EventStartOnce); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestStartAndFinishEvents(t *testing.T) {
	if startEvent(true) != EventStartScheduled || startEvent(false) != EventStartOnce {
		t.Error("unexpected start events")
	}
	if finishEvent(true) != EventFinishScheduled || finishEvent(false) != EventFinishOnce {
		t.Error("unexpected finish events")
	}
}
