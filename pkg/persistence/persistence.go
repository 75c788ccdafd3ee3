// Package persistence is the storage boundary for definitions, instances
// and node execution history.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/opsflow/pkg/models"
)

type Persistence interface {
	DefinitionRepository() DefinitionRepository
	InstanceRepository() InstanceRepository
	HistoryRepository() HistoryRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores process definitions. Every write bumps
// Revision; Update fails with ErrRevisionConflict when the caller's
// revision is stale.
type DefinitionRepository interface {
	Create(ctx context.Context, definition *models.ProcessDefinition) error
	Update(ctx context.Context, definition *models.ProcessDefinition) error
	GetByID(ctx context.Context, id string) (*models.ProcessDefinition, error)
	List(ctx context.Context, opts ListDefinitionsOptions) (*DefinitionListResult, error)
	// GetPublished returns the published version of a group.
	GetPublished(ctx context.Context, groupID string) (*models.ProcessDefinition, error)
	// Versions returns every version of a group, oldest first.
	Versions(ctx context.Context, groupID string) ([]*models.ProcessDefinition, error)
	// Delete marks the definition deleted. Deleted definitions are invisible
	// to every read.
	Delete(ctx context.Context, id string) error
}

type InstanceRepository interface {
	Create(ctx context.Context, instance *models.ProcessInstance) error
	Update(ctx context.Context, instance *models.ProcessInstance) error
	GetByID(ctx context.Context, id string) (*models.ProcessInstance, error)
	// ListByStatus returns instances oldest first. No status means all.
	ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ProcessInstance, error)
	// ListEndedBefore returns terminal instances that ended before t.
	ListEndedBefore(ctx context.Context, t time.Time) ([]*models.ProcessInstance, error)
	Delete(ctx context.Context, id string) error
}

// HistoryRepository is the append-only node execution log.
type HistoryRepository interface {
	// Begin stores a new running record.
	Begin(ctx context.Context, record *models.NodeExecutionHistory) error
	// Finish closes a running record. A record is finished at most once;
	// later calls return ErrRecordAlreadyFinished and change nothing.
	Finish(ctx context.Context, id string, update FinishUpdate) error
	GetByID(ctx context.Context, id string) (*models.NodeExecutionHistory, error)
	// ListByInstance returns the records of an instance ordered by StartedAt.
	ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecutionHistory, error)
	ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecutionHistory, error)
	DeleteByInstance(ctx context.Context, instanceID string) error
}

type FinishUpdate struct {
	Status       models.HistoryStatus
	OutputData   map[string]any
	ErrorMessage string
	EndedAt      time.Time
}

type ListDefinitionsOptions struct {
	Status    *models.DefinitionStatus
	GroupID   string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

type DefinitionListResult struct {
	Definitions []*models.ProcessDefinition `json:"definitions"`
	TotalCount  int64                       `json:"total_count"`
	HasNextPage bool                        `json:"has_next_page"`
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize applies defaults and rejects unknown sort fields.
func (o *ListDefinitionsOptions) Normalize() error {
	if o.Limit <= 0 || o.Limit > MaxListLimit {
		o.Limit = DefaultListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	if o.SortOrder == "" {
		o.SortOrder = "desc"
	}

	switch o.SortBy {
	case "created_at", "updated_at", "name", "version":
	default:
		return NewDefinitionError("List", "", ErrInvalidListOptions)
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		return NewDefinitionError("List", "", ErrInvalidListOptions)
	}

	return nil
}
