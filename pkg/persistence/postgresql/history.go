package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/google/uuid"
)

const historyColumns = `
	id
  , instance_id
  , node_id
  , node_name
  , node_type
  , attempt
  , iteration
  , status
  , input_data
  , output_data
  , error_message
  , started_at
  , ended_at`

// HistoryRepository is the append-only node execution log.
type HistoryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewHistoryRepository(db *sql.DB, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{db: db, logger: logger}
}

func (r *HistoryRepository) Begin(ctx context.Context, record *models.NodeExecutionHistory) error {
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate record ID: %w", err)
		}

		record.ID = id.String()
	}

	record.Status = models.HistoryStatusRunning
	record.EndedAt = nil

	input, err := jsonValue("input_data", record.InputData)
	if err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	query := `INSERT INTO node_execution_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, '', $10, NULL)`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.InstanceID,
		record.NodeID,
		record.NodeName,
		record.NodeType,
		record.Attempt,
		record.Iteration,
		record.Status,
		input,
		record.StartedAt,
	)
	if err != nil {
		return persistence.NewRecordError("Begin", record.ID, fmt.Errorf("failed to insert record: %w", err))
	}

	return nil
}

// Finish only touches open rows, so concurrent finishers cannot both win.
func (r *HistoryRepository) Finish(ctx context.Context, id string, update persistence.FinishUpdate) error {
	output, err := jsonValue("output_data", update.OutputData)
	if err != nil {
		return persistence.NewRecordError("Finish", id, err)
	}

	query := `UPDATE node_execution_history
		SET status = $2, output_data = $3, error_message = $4, ended_at = $5
		WHERE id = $1 AND ended_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, update.Status, output, update.ErrorMessage, update.EndedAt.UTC())
	if err != nil {
		return persistence.NewRecordError("Finish", id, fmt.Errorf("failed to finish record: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRecordError("Finish", id, err)
	}

	if affected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}

		return persistence.NewRecordError("Finish", id, persistence.ErrRecordAlreadyFinished)
	}

	return nil
}

func (r *HistoryRepository) scan(row scanner) (*models.NodeExecutionHistory, error) {
	var (
		record        models.NodeExecutionHistory
		input, output []byte
		endedAt       sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.InstanceID,
		&record.NodeID,
		&record.NodeName,
		&record.NodeType,
		&record.Attempt,
		&record.Iteration,
		&record.Status,
		&input,
		&output,
		&record.ErrorMessage,
		&record.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonScan("input_data", input, &record.InputData); err != nil {
		return nil, err
	}

	if err := jsonScan("output_data", output, &record.OutputData); err != nil {
		return nil, err
	}

	record.StartedAt = record.StartedAt.UTC()
	record.EndedAt = utcPtr(endedAt)

	return &record, nil
}

func (r *HistoryRepository) GetByID(ctx context.Context, id string) (*models.NodeExecutionHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM node_execution_history WHERE id = $1`

	record, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError("GetByID", id, persistence.ErrRecordNotFound)
		}

		return nil, persistence.NewRecordError("GetByID", id, fmt.Errorf("failed to scan record: %w", err))
	}

	return record, nil
}

func (r *HistoryRepository) list(ctx context.Context, query string, args ...any) ([]*models.NodeExecutionHistory, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.NodeExecutionHistory, 0)

	for rows.Next() {
		record, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return records, nil
}

func (r *HistoryRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecutionHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM node_execution_history
		WHERE instance_id = $1 ORDER BY started_at ASC, id ASC`

	records, err := r.list(ctx, query, instanceID)
	if err != nil {
		return nil, persistence.NewInstanceError("ListHistory", instanceID, err)
	}

	return records, nil
}

func (r *HistoryRepository) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecutionHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM node_execution_history
		WHERE instance_id = $1 AND node_id = $2 ORDER BY started_at ASC, id ASC`

	records, err := r.list(ctx, query, instanceID, nodeID)
	if err != nil {
		return nil, persistence.NewInstanceError("ListHistory", instanceID, err)
	}

	return records, nil
}

func (r *HistoryRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM node_execution_history WHERE instance_id = $1`, instanceID)
	if err != nil {
		return persistence.NewInstanceError("DeleteHistory", instanceID, fmt.Errorf("failed to delete history: %w", err))
	}

	return nil
}
