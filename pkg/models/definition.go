// Package models defines the core domain models for process orchestration.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a process definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"     // Editable, not executable
	DefinitionStatusPublished DefinitionStatus = "published" // Validated, immutable, executable
	DefinitionStatusDisabled  DefinitionStatus = "disabled"  // Historical, not executable
)

// ProcessDefinition is a versioned graph of nodes and edges describing one automatable process.
type ProcessDefinition struct {
	ID          string           `json:"id"`
	GroupID     string           `json:"group_id"` // Stable ID linking all versions
	Name        string           `json:"name"                   validate:"required,min=3"`
	Description string           `json:"description"`
	Version     int              `json:"version"`
	Status      DefinitionStatus `json:"status"                 validate:"required,oneof=draft published disabled"`
	Nodes       []*Node          `json:"nodes"                  validate:"dive"`
	Edges       []*Edge          `json:"edges"                  validate:"dive"`
	Variables   map[string]any   `json:"variables,omitempty"`
	CreatedBy   string           `json:"created_by"`
	UpdatedBy   string           `json:"updated_by"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	DeletedAt   *time.Time       `json:"deleted_at,omitempty"`
	Revision    int64            `json:"revision"`
}

// IsEditable reports whether the definition can be changed in place.
func (d *ProcessDefinition) IsEditable() bool {
	return d.Status == DefinitionStatusDraft
}

// Node returns the node with the given id, or nil.
func (d *ProcessDefinition) Node(id string) *Node {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// Clone returns a deep copy of the graph part of the definition.
// Variables are copied one level deep; their values are treated as immutable.
func (d *ProcessDefinition) Clone() *ProcessDefinition {
	clone := *d

	clone.Nodes = make([]*Node, len(d.Nodes))
	for i, node := range d.Nodes {
		clone.Nodes[i] = node.Clone()
	}

	clone.Edges = make([]*Edge, len(d.Edges))
	for i, edge := range d.Edges {
		e := *edge
		clone.Edges[i] = &e
	}

	clone.Variables = CopyMap(d.Variables)

	if d.PublishedAt != nil {
		t := *d.PublishedAt
		clone.PublishedAt = &t
	}

	if d.DeletedAt != nil {
		t := *d.DeletedAt
		clone.DeletedAt = &t
	}

	return &clone
}

// CopyMap returns a shallow copy of m, preserving nil.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
