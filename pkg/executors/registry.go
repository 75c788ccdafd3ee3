package executors

import (
	"log/slog"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/template"
)

// Dependencies are the collaborators the built-in executors need.
type Dependencies struct {
	Devices        device.Executor
	Profiles       *device.Profiles
	Templates      template.Renderer
	Children       ChildStarter
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// NewDefaultRegistry registers an executor for every node type.
func NewDefaultRegistry(deps Dependencies) *Registry {
	registry := NewRegistry()

	passthrough := Passthrough{}
	registry.Register(models.NodeTypeStart, passthrough)
	registry.Register(models.NodeTypeEnd, passthrough)
	registry.Register(models.NodeTypeParallelJoin, passthrough)
	registry.Register(models.NodeTypeParallelFork, Fork{})
	registry.Register(models.NodeTypeCondition, Condition{})
	registry.Register(models.NodeTypeLoop, Loop{})
	registry.Register(models.NodeTypeHumanTask, NewHumanTask())
	registry.Register(models.NodeTypeAction, NewAction(deps.Devices, deps.Profiles, deps.Templates, deps.DefaultTimeout, deps.Logger))

	if deps.Children != nil {
		registry.Register(models.NodeTypeSubProcess, NewSubProcess(deps.Children))
	}

	return registry
}
