package kv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/google/uuid"
)

type InstanceRepository struct {
	backend Backend
}

func (r *InstanceRepository) Create(ctx context.Context, instance *models.ProcessInstance) error {
	if instance.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}

		instance.ID = id.String()
	}

	if err := checkID(instance.ID); err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Revision = 1

	err := modify(ctx, r.backend, instancePrefix+instance.ID, func(current *models.ProcessInstance) (*models.ProcessInstance, error) {
		if current != nil {
			return nil, persistence.ErrInstanceAlreadyExists
		}

		return instance, nil
	})
	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) Update(ctx context.Context, instance *models.ProcessInstance) error {
	if err := checkID(instance.ID); err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	next := instance.Clone()
	next.UpdatedAt = time.Now().UTC()
	next.Revision = instance.Revision + 1

	err := modify(ctx, r.backend, instancePrefix+instance.ID, func(current *models.ProcessInstance) (*models.ProcessInstance, error) {
		if current == nil || current.DeletedAt != nil {
			return nil, persistence.ErrInstanceNotFound
		}

		if current.Revision != instance.Revision {
			return nil, persistence.ErrRevisionConflict
		}

		return next, nil
	})
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	instance.UpdatedAt = next.UpdatedAt
	instance.Revision = next.Revision

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.ProcessInstance, error) {
	if err := checkID(id); err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	instance, err := get[models.ProcessInstance](ctx, r.backend, instancePrefix+id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			err = persistence.ErrInstanceNotFound
		}

		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	if instance.DeletedAt != nil {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	return instance, nil
}

func (r *InstanceRepository) live(ctx context.Context, keep func(*models.ProcessInstance) bool) ([]*models.ProcessInstance, error) {
	instances, err := list[models.ProcessInstance](ctx, r.backend, instancePrefix)
	if err != nil {
		return nil, err
	}

	result := make([]*models.ProcessInstance, 0, len(instances))

	for _, instance := range instances {
		if instance.DeletedAt == nil && keep(instance) {
			result = append(result, instance)
		}
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

func (r *InstanceRepository) ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ProcessInstance, error) {
	instances, err := r.live(ctx, func(instance *models.ProcessInstance) bool {
		return len(statuses) == 0 || slices.Contains(statuses, instance.Status)
	})
	if err != nil {
		return nil, persistence.NewInstanceError("ListByStatus", "", err)
	}

	return instances, nil
}

func (r *InstanceRepository) ListEndedBefore(ctx context.Context, t time.Time) ([]*models.ProcessInstance, error) {
	instances, err := r.live(ctx, func(instance *models.ProcessInstance) bool {
		return instance.Status.IsTerminal() && instance.EndedAt != nil && instance.EndedAt.Before(t)
	})
	if err != nil {
		return nil, persistence.NewInstanceError("ListEndedBefore", "", err)
	}

	return instances, nil
}

func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return persistence.NewInstanceError("Delete", id, persistence.ErrInstanceNotFound)
	}

	err := modify(ctx, r.backend, instancePrefix+id, func(current *models.ProcessInstance) (*models.ProcessInstance, error) {
		if current == nil || current.DeletedAt != nil {
			return nil, persistence.ErrInstanceNotFound
		}

		now := time.Now().UTC()
		current.DeletedAt = &now
		current.UpdatedAt = now
		current.Revision++

		return current, nil
	})
	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	return nil
}
