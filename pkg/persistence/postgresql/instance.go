package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/google/uuid"
)

const instanceColumns = `
	id
  , definition_id
  , definition_group_id
  , definition_version
  , name
  , description
  , status
  , definition
  , variables
  , slots
  , current_nodes
  , parent_instance_id
  , parent_node_id
  , started_by
  , started_at
  , ended_at
  , error_message
  , created_at
  , updated_at
  , deleted_at
  , revision`

// InstanceRepository handles instance-related database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

func instanceArgs(instance *models.ProcessInstance) ([]any, error) {
	definition, err := jsonValue("definition", instance.Definition)
	if err != nil {
		return nil, err
	}

	variables, err := jsonValue("variables", instance.Variables)
	if err != nil {
		return nil, err
	}

	slots, err := jsonValue("slots", instance.Slots)
	if err != nil {
		return nil, err
	}

	currentNodes, err := jsonValue("current_nodes", instance.CurrentNodes)
	if err != nil {
		return nil, err
	}

	return []any{
		instance.ID,
		instance.DefinitionID,
		instance.DefinitionGroupID,
		instance.DefinitionVersion,
		instance.Name,
		instance.Description,
		instance.Status,
		definition,
		variables,
		slots,
		currentNodes,
		nullString(instance.ParentInstanceID),
		nullString(instance.ParentNodeID),
		instance.StartedBy,
		instance.StartedAt,
		instance.EndedAt,
		instance.ErrorMessage,
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.DeletedAt,
		instance.Revision,
	}, nil
}

func (r *InstanceRepository) Create(ctx context.Context, instance *models.ProcessInstance) error {
	if instance.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}

		instance.ID = id.String()
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Revision = 1

	args, err := instanceArgs(instance)
	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	query := `INSERT INTO process_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, fmt.Errorf("failed to insert instance: %w", err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	return nil
}

func (r *InstanceRepository) Update(ctx context.Context, instance *models.ProcessInstance) error {
	next := instance.Clone()
	next.UpdatedAt = time.Now().UTC()
	next.Revision = instance.Revision + 1

	args, err := instanceArgs(next)
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	query := `
		UPDATE process_instances SET
			definition_id = $2,
			definition_group_id = $3,
			definition_version = $4,
			name = $5,
			description = $6,
			status = $7,
			definition = $8,
			variables = $9,
			slots = $10,
			current_nodes = $11,
			parent_instance_id = $12,
			parent_node_id = $13,
			started_by = $14,
			started_at = $15,
			ended_at = $16,
			error_message = $17,
			created_at = $18,
			updated_at = $19,
			deleted_at = $20,
			revision = $21
		WHERE id = $1 AND revision = $22 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, append(args, instance.Revision)...)
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, fmt.Errorf("failed to update instance: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	if affected == 0 {
		if _, err := r.GetByID(ctx, instance.ID); err != nil {
			return err
		}

		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrRevisionConflict)
	}

	instance.UpdatedAt = next.UpdatedAt
	instance.Revision = next.Revision

	return nil
}

func (r *InstanceRepository) scan(row scanner) (*models.ProcessInstance, error) {
	var (
		instance                                   models.ProcessInstance
		definition, variables, slots, currentNodes []byte
		parentInstanceID, parentNodeID             sql.NullString
		endedAt, deletedAt                         sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.DefinitionID,
		&instance.DefinitionGroupID,
		&instance.DefinitionVersion,
		&instance.Name,
		&instance.Description,
		&instance.Status,
		&definition,
		&variables,
		&slots,
		&currentNodes,
		&parentInstanceID,
		&parentNodeID,
		&instance.StartedBy,
		&instance.StartedAt,
		&endedAt,
		&instance.ErrorMessage,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&deletedAt,
		&instance.Revision,
	)
	if err != nil {
		return nil, err
	}

	for _, column := range []struct {
		name  string
		data  []byte
		value any
	}{
		{"definition", definition, &instance.Definition},
		{"variables", variables, &instance.Variables},
		{"slots", slots, &instance.Slots},
		{"current_nodes", currentNodes, &instance.CurrentNodes},
	} {
		if err := jsonScan(column.name, column.data, column.value); err != nil {
			return nil, err
		}
	}

	if instance.CurrentNodes == nil {
		instance.CurrentNodes = []string{}
	}

	instance.ParentInstanceID = parentInstanceID.String
	instance.ParentNodeID = parentNodeID.String
	instance.StartedAt = instance.StartedAt.UTC()
	instance.CreatedAt = instance.CreatedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()
	instance.EndedAt = utcPtr(endedAt)
	instance.DeletedAt = utcPtr(deletedAt)

	return &instance, nil
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.ProcessInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.ProcessInstance, 0)

	for rows.Next() {
		instance, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.ProcessInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM process_instances WHERE id = $1 AND deleted_at IS NULL`

	instance, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, fmt.Errorf("failed to scan instance: %w", err))
	}

	return instance, nil
}

func (r *InstanceRepository) ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ProcessInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM process_instances WHERE deleted_at IS NULL`
	args := make([]any, 0, len(statuses))

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}

		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY created_at ASC, id ASC`

	instances, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewInstanceError("ListByStatus", "", err)
	}

	return instances, nil
}

func (r *InstanceRepository) ListEndedBefore(ctx context.Context, t time.Time) ([]*models.ProcessInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM process_instances
		WHERE deleted_at IS NULL AND ended_at IS NOT NULL AND ended_at < $1
		  AND status IN ('completed', 'terminated', 'failed')
		ORDER BY created_at ASC, id ASC`

	instances, err := r.query(ctx, query, t)
	if err != nil {
		return nil, persistence.NewInstanceError("ListEndedBefore", "", err)
	}

	return instances, nil
}

// Delete soft deletes an instance by setting deleted_at timestamp.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE process_instances SET deleted_at = $2, updated_at = $2, revision = revision + 1
		WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return persistence.NewInstanceError("Delete", id, fmt.Errorf("failed to delete instance: %w", err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return persistence.NewInstanceError("Delete", id, persistence.ErrInstanceNotFound)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
