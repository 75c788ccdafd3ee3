package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/dukex/opsflow/pkg/models"
)

// Event drives an instance from one status to the next.
type Event string

const (
	EventStart     Event = "start"
	EventAdvance   Event = "advance"
	EventAwait     Event = "await"
	EventResume    Event = "resume"
	EventFinish    Event = "finish"
	EventFail      Event = "fail"
	EventTerminate Event = "terminate"
)

type transition struct {
	from []models.InstanceStatus
	to   models.InstanceStatus
}

var transitions = map[Event]transition{
	EventStart:     {from: []models.InstanceStatus{""}, to: models.InstanceStatusRunning},
	EventAdvance:   {from: []models.InstanceStatus{models.InstanceStatusRunning}, to: models.InstanceStatusRunning},
	EventAwait:     {from: []models.InstanceStatus{models.InstanceStatusRunning}, to: models.InstanceStatusSuspended},
	EventResume:    {from: []models.InstanceStatus{models.InstanceStatusSuspended}, to: models.InstanceStatusRunning},
	EventFinish:    {from: []models.InstanceStatus{models.InstanceStatusRunning}, to: models.InstanceStatusCompleted},
	EventFail:      {from: []models.InstanceStatus{models.InstanceStatusRunning, models.InstanceStatusSuspended}, to: models.InstanceStatusFailed},
	EventTerminate: {from: []models.InstanceStatus{models.InstanceStatusRunning, models.InstanceStatusSuspended}, to: models.InstanceStatusTerminated},
}

// TransitionError reports an event that is not allowed from the current status.
type TransitionError struct {
	InstanceID string
	From       models.InstanceStatus
	Event      Event
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}

	return fmt.Sprintf("instance %s: cannot %s from %s", e.InstanceID, e.Event, from)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Next returns the status reached by applying event to from.
func Next(from models.InstanceStatus, event Event) (models.InstanceStatus, error) {
	t, ok := transitions[event]
	if !ok || !slices.Contains(t.from, from) {
		return from, &TransitionError{From: from, Event: event}
	}

	return t.to, nil
}

// Apply moves instance through event. Entering a terminal status stamps
// EndedAt and clears the slot arena.
func Apply(instance *models.ProcessInstance, event Event, now time.Time) error {
	next, err := Next(instance.Status, event)
	if err != nil {
		return &TransitionError{InstanceID: instance.ID, From: instance.Status, Event: event}
	}

	instance.Status = next

	if next.IsTerminal() {
		ended := now.UTC()
		instance.EndedAt = &ended
		instance.Slots = map[string]*models.NodeSlot{}
	}

	instance.SyncCurrentNodes()

	return nil
}
