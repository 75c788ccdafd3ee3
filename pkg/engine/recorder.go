package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
)

// Recorder writes the per-node execution trail. It is never read back to
// make engine decisions.
type Recorder struct {
	history persistence.HistoryRepository
	logger  *slog.Logger
}

func NewRecorder(history persistence.HistoryRepository, logger *slog.Logger) *Recorder {
	return &Recorder{history: history, logger: logger}
}

// Begin opens a record for one attempt of node and returns its id.
func (r *Recorder) Begin(ctx context.Context, instanceID string, node *models.Node, input map[string]any, attempt, iteration int) (string, error) {
	record := &models.NodeExecutionHistory{
		InstanceID: instanceID,
		NodeID:     node.ID,
		NodeName:   node.DisplayName(),
		NodeType:   node.Type,
		Attempt:    attempt,
		Iteration:  iteration,
		InputData:  input,
		StartedAt:  time.Now().UTC(),
	}

	if err := r.history.Begin(ctx, record); err != nil {
		return "", err
	}

	r.logger.DebugContext(ctx, "node record opened",
		"instance_id", instanceID,
		"node_id", node.ID,
		"record_id", record.ID,
		"attempt", attempt,
	)

	return record.ID, nil
}

// Finish closes a record. A record is finished exactly once; later calls
// return persistence.ErrRecordAlreadyFinished and change nothing.
func (r *Recorder) Finish(ctx context.Context, recordID string, status models.HistoryStatus, output map[string]any, cause error) error {
	update := persistence.FinishUpdate{
		Status:     status,
		OutputData: output,
		EndedAt:    time.Now().UTC(),
	}

	if cause != nil {
		update.ErrorMessage = cause.Error()
	}

	return r.history.Finish(ctx, recordID, update)
}

func (r *Recorder) List(ctx context.Context, instanceID string) ([]*models.NodeExecutionHistory, error) {
	return r.history.ListByInstance(ctx, instanceID)
}

func (r *Recorder) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecutionHistory, error) {
	return r.history.ListByNode(ctx, instanceID, nodeID)
}
