package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/google/uuid"
)

type Definition struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

// NewDefinition creates a new definition service.
func NewDefinition(persistence persistence.Persistence, logger *slog.Logger) *Definition {
	return &Definition{
		persistence: persistence,
		logger:      logger.With("module", "definition_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (d *Definition) HealthCheck(ctx context.Context) (string, bool) {
	if d.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := d.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListDefinitionsRequest contains options for listing definitions.
type ListDefinitionsRequest struct {
	Limit  int
	Offset int

	GroupID string
	Status  *models.DefinitionStatus

	SortBy    string
	SortOrder string
}

var (
	allowedSorts    = []string{"created_at", "updated_at", "name", "version"}
	allowedStatuses = []models.DefinitionStatus{
		models.DefinitionStatusDraft,
		models.DefinitionStatusPublished,
		models.DefinitionStatusDisabled,
	}
)

// List retrieves definitions with filtering, sorting, and pagination.
func (d *Definition) List(ctx context.Context, req ListDefinitionsRequest) (*persistence.DefinitionListResult, error) {
	if err := validateListRequest(&req); err != nil {
		return nil, err
	}

	result, err := d.persistence.DefinitionRepository().List(ctx, persistence.ListDefinitionsOptions{
		Status:    req.Status,
		GroupID:   req.GroupID,
		Limit:     req.Limit,
		Offset:    req.Offset,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	return result, nil
}

func validateListRequest(req *ListDefinitionsRequest) error {
	if req.SortBy != "" && !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"List",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "" && req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"List",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	if req.Status != nil && !slices.Contains(allowedStatuses, *req.Status) {
		return NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", *req.Status), ErrInvalidStatus)
	}

	req.GroupID = strings.TrimSpace(req.GroupID)

	return nil
}

// FetchByID retrieves a definition by its ID.
func (d *Definition) FetchByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	return d.persistence.DefinitionRepository().GetByID(ctx, id)
}

// Versions returns every version of a group, oldest first.
func (d *Definition) Versions(ctx context.Context, groupID string) ([]*models.ProcessDefinition, error) {
	versions, err := d.persistence.DefinitionRepository().Versions(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, persistence.NewDefinitionGroupError("Versions", groupID, persistence.ErrDefinitionNotFound)
	}

	return versions, nil
}

// Create stores a new draft. A definition without group starts a new group
// at version 1; one naming an existing group becomes its next version.
func (d *Definition) Create(ctx context.Context, def *models.ProcessDefinition, actor string) (*models.ProcessDefinition, error) {
	if err := validateShape("Create", def); err != nil {
		return nil, err
	}

	def.ID = uuid.Must(uuid.NewV7()).String()
	def.Status = models.DefinitionStatusDraft
	def.Version = 1
	def.PublishedAt = nil
	def.DeletedAt = nil
	def.CreatedBy = actor
	def.UpdatedBy = actor

	if def.GroupID == "" {
		def.GroupID = uuid.Must(uuid.NewV7()).String()
	} else {
		versions, err := d.persistence.DefinitionRepository().Versions(ctx, def.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to create definition: %w", err)
		}

		if draft := findDraft(versions); draft != nil {
			return nil, NewConflictError("Create", draft.ID, ErrDraftExists)
		}

		def.Version = nextVersion(versions)
	}

	if err := d.persistence.DefinitionRepository().Create(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to create definition: %w", err)
	}

	d.logger.InfoContext(ctx, "definition created", "definition_id", def.ID, "group_id", def.GroupID, "version", def.Version)

	return def, nil
}

// Update changes a draft in place. Updating a published or disabled version
// creates the next draft version of its group instead; published versions
// never change.
func (d *Definition) Update(ctx context.Context, id string, changes *models.ProcessDefinition, actor string) (*models.ProcessDefinition, error) {
	if err := validateShape("Update", changes); err != nil {
		return nil, err
	}

	existing, err := d.persistence.DefinitionRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !existing.IsEditable() {
		draft := &models.ProcessDefinition{
			GroupID:     existing.GroupID,
			Name:        changes.Name,
			Description: changes.Description,
			Nodes:       changes.Nodes,
			Edges:       changes.Edges,
			Variables:   changes.Variables,
		}

		return d.Create(ctx, draft, actor)
	}

	if changes.Revision != 0 && changes.Revision != existing.Revision {
		return nil, NewConflictError("Update", id, persistence.ErrRevisionConflict)
	}

	existing.Name = changes.Name
	existing.Description = changes.Description
	existing.Nodes = changes.Nodes
	existing.Edges = changes.Edges
	existing.Variables = changes.Variables
	existing.UpdatedBy = actor
	existing.UpdatedAt = time.Now().UTC()

	if err := d.persistence.DefinitionRepository().Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update definition: %w", err)
	}

	return existing, nil
}

// Delete marks a definition deleted. Instances keep their own snapshot.
func (d *Definition) Delete(ctx context.Context, id string) error {
	if _, err := d.persistence.DefinitionRepository().GetByID(ctx, id); err != nil {
		return err
	}

	if err := d.persistence.DefinitionRepository().Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	d.logger.InfoContext(ctx, "definition deleted", "definition_id", id)

	return nil
}

func validateShape(op string, def *models.ProcessDefinition) error {
	if def == nil {
		return NewValidationError(op, "DEFINITION_NIL", "", ErrDefinitionNil)
	}

	if strings.TrimSpace(def.Name) == "" {
		return NewValidationError(op, "NAME_REQUIRED", "definition name is required", ErrNameRequired)
	}

	if len(def.Nodes) == 0 {
		return NewValidationError(op, "NODES_REQUIRED", "definition must have at least one node", ErrNodesRequired)
	}

	return nil
}

func findDraft(versions []*models.ProcessDefinition) *models.ProcessDefinition {
	for _, version := range versions {
		if version.Status == models.DefinitionStatusDraft {
			return version
		}
	}

	return nil
}

func nextVersion(versions []*models.ProcessDefinition) int {
	highest := 0
	for _, version := range versions {
		highest = max(highest, version.Version)
	}

	return highest + 1
}
