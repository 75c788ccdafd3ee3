package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/google/uuid"
)

type DefinitionRepository struct {
	backend Backend
}

func (r *DefinitionRepository) Create(ctx context.Context, definition *models.ProcessDefinition) error {
	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	if err := checkID(definition.ID); err != nil {
		return persistence.NewDefinitionError("Create", definition.ID, err)
	}

	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now
	definition.Revision = 1

	err := modify(ctx, r.backend, definitionPrefix+definition.ID, func(current *models.ProcessDefinition) (*models.ProcessDefinition, error) {
		if current != nil {
			return nil, persistence.ErrDefinitionAlreadyExists
		}

		return definition, nil
	})
	if err != nil {
		return persistence.NewDefinitionError("Create", definition.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) Update(ctx context.Context, definition *models.ProcessDefinition) error {
	if err := checkID(definition.ID); err != nil {
		return persistence.NewDefinitionError("Update", definition.ID, err)
	}

	next := definition.Clone()
	next.UpdatedAt = time.Now().UTC()
	next.Revision = definition.Revision + 1

	err := modify(ctx, r.backend, definitionPrefix+definition.ID, func(current *models.ProcessDefinition) (*models.ProcessDefinition, error) {
		if current == nil || current.DeletedAt != nil {
			return nil, persistence.ErrDefinitionNotFound
		}

		if current.Revision != definition.Revision {
			return nil, persistence.ErrRevisionConflict
		}

		return next, nil
	})
	if err != nil {
		return persistence.NewDefinitionError("Update", definition.ID, err)
	}

	definition.UpdatedAt = next.UpdatedAt
	definition.Revision = next.Revision

	return nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	if err := checkID(id); err != nil {
		return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
	}

	definition, err := get[models.ProcessDefinition](ctx, r.backend, definitionPrefix+id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			err = persistence.ErrDefinitionNotFound
		}

		return nil, persistence.NewDefinitionError("GetByID", id, err)
	}

	if definition.DeletedAt != nil {
		return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
	}

	return definition, nil
}

func (r *DefinitionRepository) all(ctx context.Context) ([]*models.ProcessDefinition, error) {
	definitions, err := list[models.ProcessDefinition](ctx, r.backend, definitionPrefix)
	if err != nil {
		return nil, err
	}

	live := definitions[:0]
	for _, definition := range definitions {
		if definition.DeletedAt == nil {
			live = append(live, definition)
		}
	}

	return live, nil
}

func (r *DefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	definitions, err := r.all(ctx)
	if err != nil {
		return nil, persistence.NewDefinitionError("List", "", err)
	}

	filtered := make([]*models.ProcessDefinition, 0, len(definitions))

	for _, definition := range definitions {
		if opts.Status != nil && definition.Status != *opts.Status {
			continue
		}

		if opts.GroupID != "" && definition.GroupID != opts.GroupID {
			continue
		}

		filtered = append(filtered, definition)
	}

	sortDefinitions(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	if opts.Offset >= len(filtered) {
		return &persistence.DefinitionListResult{
			Definitions: make([]*models.ProcessDefinition, 0),
			TotalCount:  totalCount,
		}, nil
	}

	end := min(opts.Offset+opts.Limit, len(filtered))

	return &persistence.DefinitionListResult{
		Definitions: filtered[opts.Offset:end],
		TotalCount:  totalCount,
		HasNextPage: end < len(filtered),
	}, nil
}

func sortDefinitions(definitions []*models.ProcessDefinition, sortBy, sortOrder string) {
	sort.SliceStable(definitions, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "updated_at":
			less = definitions[i].UpdatedAt.Before(definitions[j].UpdatedAt)
		case "name":
			less = strings.Compare(definitions[i].Name, definitions[j].Name) < 0
		case "version":
			less = definitions[i].Version < definitions[j].Version
		default:
			less = definitions[i].CreatedAt.Before(definitions[j].CreatedAt)
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}

func (r *DefinitionRepository) GetPublished(ctx context.Context, groupID string) (*models.ProcessDefinition, error) {
	versions, err := r.Versions(ctx, groupID)
	if err != nil {
		return nil, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == models.DefinitionStatusPublished {
			return versions[i], nil
		}
	}

	return nil, persistence.NewDefinitionGroupError("GetPublished", groupID, persistence.ErrPublishedDefinitionNotFound)
}

func (r *DefinitionRepository) Versions(ctx context.Context, groupID string) ([]*models.ProcessDefinition, error) {
	definitions, err := r.all(ctx)
	if err != nil {
		return nil, persistence.NewDefinitionGroupError("Versions", groupID, err)
	}

	versions := make([]*models.ProcessDefinition, 0)

	for _, definition := range definitions {
		if definition.GroupID == groupID {
			versions = append(versions, definition)
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return versions, nil
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return persistence.NewDefinitionError("Delete", id, persistence.ErrDefinitionNotFound)
	}

	err := modify(ctx, r.backend, definitionPrefix+id, func(current *models.ProcessDefinition) (*models.ProcessDefinition, error) {
		if current == nil || current.DeletedAt != nil {
			return nil, persistence.ErrDefinitionNotFound
		}

		now := time.Now().UTC()
		current.DeletedAt = &now
		current.UpdatedAt = now
		current.Revision++

		return current, nil
	})
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	return nil
}
