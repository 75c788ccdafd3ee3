package models

import (
	"sort"
	"time"
)

// InstanceStatus represents the lifecycle state of a process instance.
type InstanceStatus string

const (
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusSuspended  InstanceStatus = "suspended"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusTerminated InstanceStatus = "terminated"
	InstanceStatusFailed     InstanceStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusTerminated || s == InstanceStatusFailed
}

// SlotState is the state of one active node within an instance.
type SlotState string

const (
	SlotStateReady     SlotState = "ready"     // Eligible for dispatch
	SlotStateRunning   SlotState = "running"   // Executor in flight
	SlotStateWaiting   SlotState = "waiting"   // Suspended until resumed
	SlotStateIterating SlotState = "iterating" // Loop body in progress
	SlotStateJoining   SlotState = "joining"   // Join waiting for inbound branches
)

// NodeSlot tracks one active node of an instance.
type NodeSlot struct {
	NodeID          string    `json:"node_id"`
	State           SlotState `json:"state"`
	RecordID        string    `json:"record_id,omitempty"`
	ResumeToken     string    `json:"resume_token,omitempty"`
	ChildInstanceID string    `json:"child_instance_id,omitempty"`
	Arrivals        []string  `json:"arrivals,omitempty"` // inbound edge ids already reached (joins)
	Pending         int       `json:"pending,omitempty"`  // activations received while busy
	Iteration       int       `json:"iteration,omitempty"`
}

// ProcessInstance is one execution of a published definition.
type ProcessInstance struct {
	ID                string               `json:"id"`
	DefinitionID      string               `json:"definition_id"`
	DefinitionGroupID string               `json:"definition_group_id"`
	DefinitionVersion int                  `json:"definition_version"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	Status            InstanceStatus       `json:"status"`
	Definition        *ProcessDefinition   `json:"definition"` // immutable graph snapshot
	Variables         map[string]any       `json:"variables"`
	Slots             map[string]*NodeSlot `json:"slots"`
	CurrentNodes      []string             `json:"current_nodes"`
	ParentInstanceID  string               `json:"parent_instance_id,omitempty"`
	ParentNodeID      string               `json:"parent_node_id,omitempty"`
	StartedBy         string               `json:"started_by"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
	ErrorMessage      string               `json:"error_message,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	DeletedAt         *time.Time           `json:"deleted_at,omitempty"`
	Revision          int64                `json:"revision"`
}

// SyncCurrentNodes recomputes CurrentNodes from the slot arena.
func (i *ProcessInstance) SyncCurrentNodes() {
	nodes := make([]string, 0, len(i.Slots))
	for id := range i.Slots {
		nodes = append(nodes, id)
	}

	sort.Strings(nodes)

	i.CurrentNodes = nodes
}

// Clone returns a copy safe to hand out while the engine keeps mutating the original.
func (i *ProcessInstance) Clone() *ProcessInstance {
	clone := *i
	clone.Variables = CopyMap(i.Variables)

	clone.Slots = make(map[string]*NodeSlot, len(i.Slots))
	for id, slot := range i.Slots {
		s := *slot
		s.Arrivals = append([]string(nil), slot.Arrivals...)
		clone.Slots[id] = &s
	}

	clone.CurrentNodes = append([]string(nil), i.CurrentNodes...)

	if i.EndedAt != nil {
		t := *i.EndedAt
		clone.EndedAt = &t
	}

	if i.DeletedAt != nil {
		t := *i.DeletedAt
		clone.DeletedAt = &t
	}

	return &clone
}
