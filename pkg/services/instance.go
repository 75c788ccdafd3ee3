package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
)

// Instance is the control surface over running processes.
type Instance struct {
	persistence persistence.Persistence
	engine      *engine.Engine
	logger      *slog.Logger
}

func NewInstance(persistence persistence.Persistence, eng *engine.Engine, logger *slog.Logger) *Instance {
	return &Instance{
		persistence: persistence,
		engine:      eng,
		logger:      logger.With("module", "instance_service"),
	}
}

type StartInstanceRequest struct {
	DefinitionID string
	Variables    map[string]any
	StartedBy    string
}

// Start creates an instance of a published definition and returns it in
// the state it had when execution began.
func (s *Instance) Start(ctx context.Context, req StartInstanceRequest) (*models.ProcessInstance, error) {
	if strings.TrimSpace(req.DefinitionID) == "" {
		return nil, NewValidationError("Start", "DEFINITION_REQUIRED", "definition_id is required", ErrInvalidRequest)
	}

	return s.engine.Start(ctx, engine.StartRequest{
		DefinitionID: req.DefinitionID,
		Variables:    req.Variables,
		StartedBy:    req.StartedBy,
	})
}

// StartPublished starts the published version of a definition group.
func (s *Instance) StartPublished(ctx context.Context, groupID string, variables map[string]any, startedBy string) (*models.ProcessInstance, error) {
	def, err := s.persistence.DefinitionRepository().GetPublished(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return s.Start(ctx, StartInstanceRequest{DefinitionID: def.ID, Variables: variables, StartedBy: startedBy})
}

func (s *Instance) Get(ctx context.Context, id string) (*models.ProcessInstance, error) {
	return s.persistence.InstanceRepository().GetByID(ctx, id)
}

var instanceStatuses = []models.InstanceStatus{
	models.InstanceStatusRunning,
	models.InstanceStatusSuspended,
	models.InstanceStatusCompleted,
	models.InstanceStatusTerminated,
	models.InstanceStatusFailed,
}

// List returns instances with any of statuses, oldest first. No status means all.
func (s *Instance) List(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ProcessInstance, error) {
	for _, status := range statuses {
		if !slices.Contains(instanceStatuses, status) {
			return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", status), ErrInvalidStatus)
		}
	}

	return s.persistence.InstanceRepository().ListByStatus(ctx, statuses...)
}

func (s *Instance) Resume(ctx context.Context, id, token string, payload map[string]any) (*models.ProcessInstance, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewValidationError("Resume", "RESUME_TOKEN_REQUIRED", "resume_token is required", ErrInvalidRequest)
	}

	return s.engine.Resume(ctx, id, token, payload)
}

func (s *Instance) Terminate(ctx context.Context, id, reason string) (*models.ProcessInstance, error) {
	if reason == "" {
		reason = "terminated by request"
	}

	return s.engine.Terminate(ctx, id, reason)
}

func (s *Instance) UpdateVariables(ctx context.Context, id string, values map[string]any) (*models.ProcessInstance, error) {
	if len(values) == 0 {
		return nil, NewValidationError("UpdateVariables", "VARIABLES_REQUIRED", "at least one variable is required", ErrInvalidRequest)
	}

	return s.engine.UpdateVariables(ctx, id, values)
}

// History lists the execution records of an instance, optionally for one node.
func (s *Instance) History(ctx context.Context, id, nodeID string) ([]*models.NodeExecutionHistory, error) {
	if _, err := s.persistence.InstanceRepository().GetByID(ctx, id); err != nil {
		return nil, err
	}

	if nodeID != "" {
		return s.engine.Recorder().ListByNode(ctx, id, nodeID)
	}

	return s.engine.Recorder().List(ctx, id)
}

// Wait blocks until the instance settles. Used by the CLI runner.
func (s *Instance) Wait(ctx context.Context, id string) (*models.ProcessInstance, error) {
	return s.engine.Wait(ctx, id)
}
