// Package web provides HTTP request and response types for the control API.
package web

import (
	"time"

	"github.com/dukex/opsflow/pkg/models"
)

// DefinitionRequest is the body for creating a definition or replacing a draft.
type DefinitionRequest struct {
	GroupID     string         `json:"group_id,omitempty"`
	Name        string         `json:"name"                validate:"required,min=3"`
	Description string         `json:"description"`
	Nodes       []*models.Node `json:"nodes"               validate:"required,min=1,dive"`
	Edges       []*models.Edge `json:"edges"               validate:"dive"`
	Variables   map[string]any `json:"variables,omitempty"`
	Revision    int64          `json:"revision,omitempty"`
}

// ToModel converts the request into an unsaved definition.
func (r DefinitionRequest) ToModel() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		GroupID:     r.GroupID,
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
		Edges:       r.Edges,
		Variables:   r.Variables,
		Revision:    r.Revision,
	}
}

// StartInstanceRequest starts a published definition. DefinitionID may be
// left empty when GroupID names a group; its published version is used.
type StartInstanceRequest struct {
	DefinitionID string         `json:"definition_id"        validate:"required_without=GroupID"`
	GroupID      string         `json:"group_id,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	StartedBy    string         `json:"started_by,omitempty"`
}

type ResumeInstanceRequest struct {
	ResumeToken string         `json:"resume_token"      validate:"required"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type TerminateInstanceRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

type UpdateVariablesRequest struct {
	Variables map[string]any `json:"variables" validate:"required,min=1"`
}

// InstanceStateResponse is the compact view returned by getInstanceState.
type InstanceStateResponse struct {
	ID           string                `json:"id"`
	DefinitionID string                `json:"definition_id"`
	Status       models.InstanceStatus `json:"status"`
	CurrentNodes []string              `json:"current_nodes"`
	Variables    map[string]any        `json:"variables"`
	ResumeTokens map[string]string     `json:"resume_tokens,omitempty"` // waiting node -> token
	StartedBy    string                `json:"started_by"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// NewInstanceStateResponse projects an instance onto its externally visible state.
func NewInstanceStateResponse(instance *models.ProcessInstance) InstanceStateResponse {
	current := instance.CurrentNodes
	if current == nil {
		current = []string{}
	}

	var tokens map[string]string

	for id, slot := range instance.Slots {
		if slot.ResumeToken == "" {
			continue
		}

		if tokens == nil {
			tokens = make(map[string]string)
		}

		tokens[id] = slot.ResumeToken
	}

	return InstanceStateResponse{
		ID:           instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       instance.Status,
		CurrentNodes: current,
		Variables:    instance.Variables,
		ResumeTokens: tokens,
		StartedBy:    instance.StartedBy,
		StartedAt:    instance.StartedAt,
		EndedAt:      instance.EndedAt,
		Error:        instance.ErrorMessage,
	}
}
