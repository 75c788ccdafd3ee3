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

const definitionColumns = `
	id
  , group_id
  , name
  , description
  , version
  , status
  , nodes
  , edges
  , variables
  , created_by
  , updated_by
  , created_at
  , updated_at
  , published_at
  , deleted_at
  , revision`

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

func definitionArgs(definition *models.ProcessDefinition) ([]any, error) {
	nodes, err := jsonValue("nodes", definition.Nodes)
	if err != nil {
		return nil, err
	}

	edges, err := jsonValue("edges", definition.Edges)
	if err != nil {
		return nil, err
	}

	variables, err := jsonValue("variables", definition.Variables)
	if err != nil {
		return nil, err
	}

	return []any{
		definition.ID,
		definition.GroupID,
		definition.Name,
		definition.Description,
		definition.Version,
		definition.Status,
		nodes,
		edges,
		variables,
		definition.CreatedBy,
		definition.UpdatedBy,
		definition.CreatedAt,
		definition.UpdatedAt,
		definition.PublishedAt,
		definition.DeletedAt,
		definition.Revision,
	}, nil
}

func (r *DefinitionRepository) Create(ctx context.Context, definition *models.ProcessDefinition) error {
	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	now := time.Now().UTC()
	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now
	definition.Revision = 1

	args, err := definitionArgs(definition)
	if err != nil {
		return persistence.NewDefinitionError("Create", definition.ID, err)
	}

	query := `INSERT INTO process_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewDefinitionError("Create", definition.ID, fmt.Errorf("failed to insert definition: %w", err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return persistence.NewDefinitionError("Create", definition.ID, persistence.ErrDefinitionAlreadyExists)
	}

	return nil
}

// Update writes every column when the stored revision matches.
func (r *DefinitionRepository) Update(ctx context.Context, definition *models.ProcessDefinition) error {
	next := definition.Clone()
	next.UpdatedAt = time.Now().UTC()
	next.Revision = definition.Revision + 1

	args, err := definitionArgs(next)
	if err != nil {
		return persistence.NewDefinitionError("Update", definition.ID, err)
	}

	query := `
		UPDATE process_definitions SET
			group_id = $2,
			name = $3,
			description = $4,
			version = $5,
			status = $6,
			nodes = $7,
			edges = $8,
			variables = $9,
			created_by = $10,
			updated_by = $11,
			created_at = $12,
			updated_at = $13,
			published_at = $14,
			deleted_at = $15,
			revision = $16
		WHERE id = $1 AND revision = $17 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, append(args, definition.Revision)...)
	if err != nil {
		return persistence.NewDefinitionError("Update", definition.ID, fmt.Errorf("failed to update definition: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewDefinitionError("Update", definition.ID, err)
	}

	if affected == 0 {
		if _, err := r.GetByID(ctx, definition.ID); err != nil {
			return err
		}

		return persistence.NewDefinitionError("Update", definition.ID, persistence.ErrRevisionConflict)
	}

	definition.UpdatedAt = next.UpdatedAt
	definition.Revision = next.Revision

	return nil
}

func (r *DefinitionRepository) scan(row scanner) (*models.ProcessDefinition, error) {
	var (
		definition              models.ProcessDefinition
		nodes, edges, variables []byte
		publishedAt, deletedAt  sql.NullTime
	)

	err := row.Scan(
		&definition.ID,
		&definition.GroupID,
		&definition.Name,
		&definition.Description,
		&definition.Version,
		&definition.Status,
		&nodes,
		&edges,
		&variables,
		&definition.CreatedBy,
		&definition.UpdatedBy,
		&definition.CreatedAt,
		&definition.UpdatedAt,
		&publishedAt,
		&deletedAt,
		&definition.Revision,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonScan("nodes", nodes, &definition.Nodes); err != nil {
		return nil, err
	}

	if err := jsonScan("edges", edges, &definition.Edges); err != nil {
		return nil, err
	}

	if err := jsonScan("variables", variables, &definition.Variables); err != nil {
		return nil, err
	}

	definition.CreatedAt = definition.CreatedAt.UTC()
	definition.UpdatedAt = definition.UpdatedAt.UTC()
	definition.PublishedAt = utcPtr(publishedAt)
	definition.DeletedAt = utcPtr(deletedAt)

	return &definition, nil
}

func (r *DefinitionRepository) query(ctx context.Context, query string, args ...any) ([]*models.ProcessDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.ProcessDefinition, 0)

	for rows.Next() {
		definition, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM process_definitions WHERE id = $1 AND deleted_at IS NULL`

	definition, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewDefinitionError("GetByID", id, fmt.Errorf("failed to scan definition: %w", err))
	}

	return definition, nil
}

func (r *DefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	where := []string{"deleted_at IS NULL"}
	args := make([]any, 0, 4)

	if opts.Status != nil {
		args = append(args, *opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.GroupID != "" {
		args = append(args, opts.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}

	filter := strings.Join(where, " AND ")

	var totalCount int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM process_definitions WHERE "+filter, args...).Scan(&totalCount)
	if err != nil {
		return nil, persistence.NewDefinitionError("List", "", fmt.Errorf("failed to count definitions: %w", err))
	}

	// SortBy and SortOrder come from the Normalize allowlist.
	query := fmt.Sprintf(`SELECT %s FROM process_definitions WHERE %s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		definitionColumns, filter, opts.SortBy, strings.ToUpper(opts.SortOrder), opts.Limit, opts.Offset)

	definitions, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewDefinitionError("List", "", err)
	}

	return &persistence.DefinitionListResult{
		Definitions: definitions,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(definitions)) < totalCount,
	}, nil
}

func (r *DefinitionRepository) GetPublished(ctx context.Context, groupID string) (*models.ProcessDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM process_definitions
		WHERE group_id = $1 AND status = 'published' AND deleted_at IS NULL
		ORDER BY version DESC LIMIT 1`

	definition, err := r.scan(r.db.QueryRowContext(ctx, query, groupID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionGroupError("GetPublished", groupID, persistence.ErrPublishedDefinitionNotFound)
		}

		return nil, persistence.NewDefinitionGroupError("GetPublished", groupID, err)
	}

	return definition, nil
}

func (r *DefinitionRepository) Versions(ctx context.Context, groupID string) ([]*models.ProcessDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM process_definitions
		WHERE group_id = $1 AND deleted_at IS NULL
		ORDER BY version ASC`

	definitions, err := r.query(ctx, query, groupID)
	if err != nil {
		return nil, persistence.NewDefinitionGroupError("Versions", groupID, err)
	}

	return definitions, nil
}

// Delete soft deletes a definition by setting deleted_at timestamp.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE process_definitions SET deleted_at = $2, updated_at = $2, revision = revision + 1
		WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, fmt.Errorf("failed to delete definition: %w", err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return persistence.NewDefinitionError("Delete", id, persistence.ErrDefinitionNotFound)
	}

	return nil
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
