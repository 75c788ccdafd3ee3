// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
)

// EngineOptions carries the process-wide collaborators of the engine.
type EngineOptions struct {
	Logger    *slog.Logger
	Publisher eventbus.EventPublisher
	Tracer    trace.Tracer
	Observer  engine.Observer
	// DryRun logs device commands instead of sending them to the gateway.
	DryRun bool
}

// NewDeviceExecutor returns the gateway client, or the dry-run executor
// when dryRun is set or no gateway is configured.
func NewDeviceExecutor(cfg config.GatewayConfig, dryRun bool, logger *slog.Logger) device.Executor {
	if dryRun || cfg.URL == "" {
		logger.Info("device commands run in dry-run mode")

		return device.NewDryRunExecutor(logger)
	}

	return device.NewHTTPExecutor(cfg.URL, cfg.Token, logger)
}

// NewEngine wires executors, profiles and templates from cfg into an engine over store.
func NewEngine(store persistence.Persistence, cfg config.Config, opts EngineOptions) (*engine.Engine, error) {
	profiles, err := cfg.DeviceProfiles()
	if err != nil {
		return nil, err
	}

	templates, err := cfg.TemplateLibrary()
	if err != nil {
		return nil, err
	}

	registry := executors.NewDefaultRegistry(executors.Dependencies{
		Devices:        NewDeviceExecutor(cfg.Gateway, opts.DryRun, opts.Logger),
		Profiles:       profiles,
		Templates:      templates,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		Logger:         opts.Logger,
	})

	return engine.New(store, registry, engine.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		Logger:         opts.Logger,
		Publisher:      opts.Publisher,
		Tracer:         opts.Tracer,
		Observer:       opts.Observer,
	}), nil
}
