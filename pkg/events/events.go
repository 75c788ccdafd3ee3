// Package events defines the domain events published while definitions and
// instances move through their lifecycle, plus the commands accepted over the bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every event and command.
const Topic = "opsflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	DefinitionPublishedEvent EventType = "definition.published"

	InstanceStartedEvent          EventType = "instance.started"
	InstanceSuspendedEvent        EventType = "instance.suspended"
	InstanceResumedEvent          EventType = "instance.resumed"
	InstanceCompletedEvent        EventType = "instance.completed"
	InstanceFailedEvent           EventType = "instance.failed"
	InstanceTerminatedEvent       EventType = "instance.terminated"
	InstanceVariablesUpdatedEvent EventType = "instance.variables_updated"

	NodeStartedEvent  EventType = "node.started"
	NodeFinishedEvent EventType = "node.finished"

	// Commands handled by the API process.
	ResumeRequestedEvent    EventType = "instance.resume_requested"
	TerminateRequestedEvent EventType = "instance.terminate_requested"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

type DefinitionPublished struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	GroupID      string `json:"group_id"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	PublishedBy  string `json:"published_by,omitempty"`
}

func (e DefinitionPublished) GetType() EventType {
	return DefinitionPublishedEvent
}

type InstanceStarted struct {
	BaseEvent

	InstanceID        string         `json:"instance_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionGroupID string         `json:"definition_group_id"`
	DefinitionVersion int            `json:"definition_version"`
	ParentInstanceID  string         `json:"parent_instance_id,omitempty"`
	StartedBy         string         `json:"started_by"`
	Variables         map[string]any `json:"variables,omitempty"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceSuspended struct {
	BaseEvent

	InstanceID string   `json:"instance_id"`
	WaitingOn  []string `json:"waiting_on"`
}

func (e InstanceSuspended) GetType() EventType {
	return InstanceSuspendedEvent
}

type InstanceResumed struct {
	BaseEvent

	InstanceID  string `json:"instance_id"`
	NodeID      string `json:"node_id"`
	ResumeToken string `json:"resume_token"`
}

func (e InstanceResumed) GetType() EventType {
	return InstanceResumedEvent
}

type InstanceCompleted struct {
	BaseEvent

	InstanceID string         `json:"instance_id"`
	Variables  map[string]any `json:"variables,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id,omitempty"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceTerminated struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (e InstanceTerminated) GetType() EventType {
	return InstanceTerminatedEvent
}

type InstanceVariablesUpdated struct {
	BaseEvent

	InstanceID string         `json:"instance_id"`
	Variables  map[string]any `json:"variables"`
}

func (e InstanceVariablesUpdated) GetType() EventType {
	return InstanceVariablesUpdatedEvent
}

type NodeStarted struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	NodeType   string `json:"node_type"`
	RecordID   string `json:"record_id"`
	Attempt    int    `json:"attempt"`
	Iteration  int    `json:"iteration,omitempty"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeFinished struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	NodeType   string `json:"node_type"`
	RecordID   string `json:"record_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (e NodeFinished) GetType() EventType {
	return NodeFinishedEvent
}

type ResumeRequested struct {
	BaseEvent

	InstanceID  string         `json:"instance_id"`
	ResumeToken string         `json:"resume_token"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
}

func (e ResumeRequested) GetType() EventType {
	return ResumeRequestedEvent
}

type TerminateRequested struct {
	BaseEvent

	InstanceID  string `json:"instance_id"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e TerminateRequested) GetType() EventType {
	return TerminateRequestedEvent
}

// New returns an empty event of the given type for decoding, or nil when
// the type is unknown.
func New(eventType EventType) any {
	switch eventType {
	case DefinitionPublishedEvent:
		return &DefinitionPublished{}
	case InstanceStartedEvent:
		return &InstanceStarted{}
	case InstanceSuspendedEvent:
		return &InstanceSuspended{}
	case InstanceResumedEvent:
		return &InstanceResumed{}
	case InstanceCompletedEvent:
		return &InstanceCompleted{}
	case InstanceFailedEvent:
		return &InstanceFailed{}
	case InstanceTerminatedEvent:
		return &InstanceTerminated{}
	case InstanceVariablesUpdatedEvent:
		return &InstanceVariablesUpdated{}
	case NodeStartedEvent:
		return &NodeStarted{}
	case NodeFinishedEvent:
		return &NodeFinished{}
	case ResumeRequestedEvent:
		return &ResumeRequested{}
	case TerminateRequestedEvent:
		return &TerminateRequested{}
	default:
		return nil
	}
}
