package mocks

import (
	"context"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/stretchr/testify/mock"
)

// MockDeviceExecutor is a mock implementation of device.Executor interface.
type MockDeviceExecutor struct {
	mock.Mock
}

func (m *MockDeviceExecutor) Run(ctx context.Context, profile *device.Profile, command device.Command, timeout time.Duration) (*device.Result, error) {
	args := m.Called(ctx, profile, command, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*device.Result), args.Error(1)
}

// MockTemplateRenderer is a mock implementation of template.Renderer interface.
type MockTemplateRenderer struct {
	mock.Mock
}

func (m *MockTemplateRenderer) Render(ctx context.Context, name string, variables map[string]any) (any, error) {
	args := m.Called(ctx, name, variables)

	return args.Get(0), args.Error(1)
}

// MockChildStarter is a mock implementation of executors.ChildStarter interface.
type MockChildStarter struct {
	mock.Mock
}

func (m *MockChildStarter) StartChild(ctx context.Context, req executors.ChildRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}
