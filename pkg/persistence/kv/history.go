package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/xjson"
	"github.com/google/uuid"
)

// HistoryRepository keeps records under history/<instance>/<record> and a
// record/<record> pointer holding the instance id.
type HistoryRepository struct {
	backend Backend
}

func recordKey(instanceID, recordID string) string {
	return historyPrefix + instanceID + "/" + recordID
}

func (r *HistoryRepository) Begin(ctx context.Context, record *models.NodeExecutionHistory) error {
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate record ID: %w", err)
		}

		record.ID = id.String()
	}

	if err := checkID(record.ID); err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	if err := checkID(record.InstanceID); err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	record.Status = models.HistoryStatusRunning
	record.EndedAt = nil

	pointer, err := xjson.Marshal(record.InstanceID)
	if err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	err = r.backend.Update(ctx, recordPrefix+record.ID, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, fmt.Errorf("record %s already exists", record.ID)
		}

		return pointer, nil
	})
	if err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	err = modify(ctx, r.backend, recordKey(record.InstanceID, record.ID), func(*models.NodeExecutionHistory) (*models.NodeExecutionHistory, error) {
		return record, nil
	})
	if err != nil {
		return persistence.NewRecordError("Begin", record.ID, err)
	}

	return nil
}

func (r *HistoryRepository) instanceOf(ctx context.Context, recordID string) (string, error) {
	if err := checkID(recordID); err != nil {
		return "", persistence.ErrRecordNotFound
	}

	instanceID, err := get[string](ctx, r.backend, recordPrefix+recordID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", persistence.ErrRecordNotFound
		}

		return "", err
	}

	return *instanceID, nil
}

func (r *HistoryRepository) Finish(ctx context.Context, id string, update persistence.FinishUpdate) error {
	instanceID, err := r.instanceOf(ctx, id)
	if err != nil {
		return persistence.NewRecordError("Finish", id, err)
	}

	err = modify(ctx, r.backend, recordKey(instanceID, id), func(current *models.NodeExecutionHistory) (*models.NodeExecutionHistory, error) {
		if current == nil {
			return nil, persistence.ErrRecordNotFound
		}

		if current.IsFinished() {
			return nil, persistence.ErrRecordAlreadyFinished
		}

		endedAt := update.EndedAt.UTC()
		current.Status = update.Status
		current.OutputData = update.OutputData
		current.ErrorMessage = update.ErrorMessage
		current.EndedAt = &endedAt

		return current, nil
	})
	if err != nil {
		return persistence.NewRecordError("Finish", id, err)
	}

	return nil
}

func (r *HistoryRepository) GetByID(ctx context.Context, id string) (*models.NodeExecutionHistory, error) {
	instanceID, err := r.instanceOf(ctx, id)
	if err != nil {
		return nil, persistence.NewRecordError("GetByID", id, err)
	}

	record, err := get[models.NodeExecutionHistory](ctx, r.backend, recordKey(instanceID, id))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			err = persistence.ErrRecordNotFound
		}

		return nil, persistence.NewRecordError("GetByID", id, err)
	}

	return record, nil
}

func (r *HistoryRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecutionHistory, error) {
	if err := checkID(instanceID); err != nil {
		return []*models.NodeExecutionHistory{}, nil
	}

	records, err := list[models.NodeExecutionHistory](ctx, r.backend, historyPrefix+instanceID+"/")
	if err != nil {
		return nil, persistence.NewInstanceError("ListHistory", instanceID, err)
	}

	sortRecords(records)

	return records, nil
}

func (r *HistoryRepository) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecutionHistory, error) {
	records, err := r.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.NodeExecutionHistory, 0, len(records))

	for _, record := range records {
		if record.NodeID == nodeID {
			filtered = append(filtered, record)
		}
	}

	return filtered, nil
}

func (r *HistoryRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	records, err := r.ListByInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(records))
	for _, record := range records {
		keys = append(keys, recordKey(instanceID, record.ID), recordPrefix+record.ID)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.backend.Delete(ctx, keys...); err != nil {
		return persistence.NewInstanceError("DeleteHistory", instanceID, err)
	}

	return nil
}

// sortRecords orders by StartedAt. Ids are time-ordered and break ties.
func sortRecords(records []*models.NodeExecutionHistory) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}

		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}
