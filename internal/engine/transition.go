package engine

import (
	"fmt"

	"github.com/BadgerOps/artsync/internal/store"
)

// Event is something that happens to a task.
type Event string

const (
	EventStartOnce       Event = "start-once"
	EventStartScheduled  Event = "start-scheduled"
	EventFinishOnce      Event = "finish-once"
	EventFinishScheduled Event = "finish-scheduled"
	EventReset           Event = "reset"
)

type transitionKey struct {
	from  store.TaskStatus
	event Event
}

// transitions is the complete task status machine. Anything absent is illegal.
var transitions = map[transitionKey]store.TaskStatus{
	{store.TaskWaiting, EventStartOnce}:           store.TaskReplicating,
	{store.TaskWaiting, EventStartScheduled}:      store.TaskReplicating,
	{store.TaskCompleted, EventStartScheduled}:    store.TaskReplicating,
	{store.TaskReplicating, EventFinishOnce}:      store.TaskCompleted,
	{store.TaskReplicating, EventFinishScheduled}: store.TaskWaiting,
	{store.TaskWaiting, EventReset}:               store.TaskWaiting,
	{store.TaskCompleted, EventReset}:             store.TaskWaiting,
}

// Transition returns the status a task in from moves to on event.
func Transition(from store.TaskStatus, event Event) (store.TaskStatus, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, fmt.Errorf("%s on %s: %w", event, from, ErrIllegalTransition)
	}
	return to, nil
}

func startEvent(cron bool) Event {
	if cron {
		return EventStartScheduled
	}
	return EventStartOnce
}

func finishEvent(cron bool) Event {
	if cron {
		return EventFinishScheduled
	}
	return EventFinishOnce
}
