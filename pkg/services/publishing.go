package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/events"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
)

// Publishing moves definitions through their lifecycle. At most one
// version of a group is published; publishing a draft disables the
// previously published version.
type Publishing struct {
	persistence persistence.Persistence
	validator   *graph.Validator
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewPublishing creates a new publishing service.
func NewPublishing(persistence persistence.Persistence, validator *graph.Validator, publisher eventbus.EventPublisher, logger *slog.Logger) *Publishing {
	if publisher == nil {
		publisher = eventbus.Discard{}
	}

	return &Publishing{
		persistence: persistence,
		validator:   validator,
		publisher:   publisher,
		logger:      logger.With("module", "publishing_service"),
	}
}

// Publish validates a draft and makes it the executable version of its group.
func (p *Publishing) Publish(ctx context.Context, id, actor string) (*models.ProcessDefinition, error) {
	repo := p.persistence.DefinitionRepository()

	def, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if def.Status != models.DefinitionStatusDraft {
		return nil, NewConflictError("Publish", id, ErrNotDraft)
	}

	if _, err := p.validator.Validate(def); err != nil {
		return nil, &ServiceError{Op: "Publish", Code: "INVALID_GRAPH", Err: err}
	}

	previous, err := repo.GetPublished(ctx, def.GroupID)
	if err != nil {
		if !errors.Is(err, persistence.ErrPublishedDefinitionNotFound) {
			return nil, fmt.Errorf("failed to get published version: %w", err)
		}

		previous = nil
	}

	now := time.Now().UTC()
	def.Status = models.DefinitionStatusPublished
	def.PublishedAt = &now
	def.UpdatedBy = actor

	if err := repo.Update(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to publish definition: %w", err)
	}

	// The group resolves to its highest published version, so a previous
	// version that fails to disable is already superseded.
	if previous != nil {
		previous.Status = models.DefinitionStatusDisabled
		previous.UpdatedBy = actor

		if err := repo.Update(ctx, previous); err != nil {
			p.logger.ErrorContext(ctx, "failed to disable previous version",
				"definition_id", previous.ID,
				"group_id", def.GroupID,
				"error", err,
			)
		}
	}

	p.logger.InfoContext(ctx, "definition published",
		"definition_id", def.ID,
		"group_id", def.GroupID,
		"version", def.Version,
	)

	err = p.publisher.Publish(ctx, def.GroupID, events.DefinitionPublished{
		BaseEvent:    events.NewBaseEvent(events.DefinitionPublishedEvent),
		DefinitionID: def.ID,
		GroupID:      def.GroupID,
		Name:         def.Name,
		Version:      def.Version,
		PublishedBy:  actor,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event", "definition_id", def.ID, "error", err)
	}

	return def, nil
}

// Disable takes a definition out of service. Running instances are not affected.
func (p *Publishing) Disable(ctx context.Context, id, actor string) (*models.ProcessDefinition, error) {
	def, err := p.persistence.DefinitionRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if def.Status == models.DefinitionStatusDisabled {
		return nil, NewConflictError("Disable", id, ErrAlreadyDisabled)
	}

	def.Status = models.DefinitionStatusDisabled
	def.UpdatedBy = actor

	if err := p.persistence.DefinitionRepository().Update(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to disable definition: %w", err)
	}

	p.logger.InfoContext(ctx, "definition disabled", "definition_id", id)

	return def, nil
}

// GetPublished returns the published version of a group.
func (p *Publishing) GetPublished(ctx context.Context, groupID string) (*models.ProcessDefinition, error) {
	return p.persistence.DefinitionRepository().GetPublished(ctx, groupID)
}
