package mocks

import (
	"context"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence hands out the repositories it was built with.
type MockPersistence struct {
	mock.Mock

	Definitions persistence.DefinitionRepository
	Instances   *MockInstanceRepository
	History     *MockHistoryRepository
}

func (m *MockPersistence) DefinitionRepository() persistence.DefinitionRepository {
	return m.Definitions
}

func (m *MockPersistence) InstanceRepository() persistence.InstanceRepository {
	return m.Instances
}

func (m *MockPersistence) HistoryRepository() persistence.HistoryRepository {
	return m.History
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockInstanceRepository is a mock implementation of persistence.InstanceRepository interface.
type MockInstanceRepository struct {
	mock.Mock
}

func (m *MockInstanceRepository) Create(ctx context.Context, instance *models.ProcessInstance) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockInstanceRepository) Update(ctx context.Context, instance *models.ProcessInstance) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockInstanceRepository) GetByID(ctx context.Context, id string) (*models.ProcessInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ProcessInstance), args.Error(1)
}

func (m *MockInstanceRepository) ListByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.ProcessInstance, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ProcessInstance), args.Error(1)
}

func (m *MockInstanceRepository) ListEndedBefore(ctx context.Context, t time.Time) ([]*models.ProcessInstance, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ProcessInstance), args.Error(1)
}

func (m *MockInstanceRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockHistoryRepository is a mock implementation of persistence.HistoryRepository interface.
type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Begin(ctx context.Context, record *models.NodeExecutionHistory) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockHistoryRepository) Finish(ctx context.Context, id string, update persistence.FinishUpdate) error {
	args := m.Called(ctx, id, update)

	return args.Error(0)
}

func (m *MockHistoryRepository) GetByID(ctx context.Context, id string) (*models.NodeExecutionHistory, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.NodeExecutionHistory), args.Error(1)
}

func (m *MockHistoryRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.NodeExecutionHistory, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.NodeExecutionHistory), args.Error(1)
}

func (m *MockHistoryRepository) ListByNode(ctx context.Context, instanceID, nodeID string) ([]*models.NodeExecutionHistory, error) {
	args := m.Called(ctx, instanceID, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.NodeExecutionHistory), args.Error(1)
}

func (m *MockHistoryRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	args := m.Called(ctx, instanceID)

	return args.Error(0)
}
