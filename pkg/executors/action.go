package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/template"
	"github.com/dukex/opsflow/pkg/variables"
)

const defaultActionTimeout = 30 * time.Second

// Action runs a command on a device through the execution service.
type Action struct {
	devices        device.Executor
	profiles       *device.Profiles
	templates      template.Renderer
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewAction(devices device.Executor, profiles *device.Profiles, templates template.Renderer, defaultTimeout time.Duration, logger *slog.Logger) *Action {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultActionTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Action{
		devices:        devices,
		profiles:       profiles,
		templates:      templates,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("module", "action_executor"),
	}
}

func (a *Action) Execute(ctx context.Context, req *Request) Result {
	cfg := req.Node.Action

	profileName, err := req.Scope.ResolveString(cfg.Profile)
	if err != nil {
		return Failed(fmt.Errorf("node %s profile: %w", req.Node.ID, err))
	}

	profile, err := a.profiles.Lookup(profileName)
	if err != nil {
		return Failed(fmt.Errorf("%w: node %s: %w", ErrExecutorError, req.Node.ID, err))
	}

	text, err := req.Scope.ResolveString(cfg.Command)
	if err != nil {
		return Failed(fmt.Errorf("node %s command: %w", req.Node.ID, err))
	}

	command := device.Command{Text: text}

	if cfg.Template != "" {
		if a.templates == nil {
			return Failed(fmt.Errorf("%w: node %s: no template renderer configured", ErrExecutorError, req.Node.ID))
		}

		command.Config, err = a.templates.Render(ctx, cfg.Template, variables.Nest(req.Scope.Snapshot()))
		if err != nil {
			return Failed(fmt.Errorf("%w: node %s template %s: %w", ErrExecutorError, req.Node.ID, cfg.Template, err))
		}
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}

	attempts := cfg.RetryCount + 1

	for attempt := 1; ; attempt++ {
		output, err := a.attempt(ctx, req, profile, command, timeout)
		if err == nil {
			output["attempt"] = attempt

			return Completed(output)
		}

		if attempt >= attempts || !retryable(err) || ctx.Err() != nil {
			return Failed(err)
		}

		a.logger.WarnContext(ctx, "action attempt failed, retrying",
			"instance_id", req.InstanceID, "node_id", req.Node.ID,
			"attempt", attempt, "max_attempts", attempts, "error", err)

		if delay := cfg.RetryDelay.Std(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()

				return Failed(ctx.Err())
			case <-timer.C:
			}
		}

		if req.Retry != nil {
			if err := req.Retry(ctx, attempt+1, err); err != nil {
				return Failed(err)
			}
		}
	}
}

func (a *Action) attempt(ctx context.Context, req *Request, profile *device.Profile, command device.Command, timeout time.Duration) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := a.devices.Run(attemptCtx, profile, command, timeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil:
			return nil, fmt.Errorf("%w: node %s after %s", ErrExecutorTimeout, req.Node.ID, timeout)
		default:
			return nil, fmt.Errorf("%w: node %s: %w", ErrExecutorError, req.Node.ID, err)
		}
	}

	output := result.AsMap(profile)
	output["command"] = command.Text

	return output, nil
}

// retryable reports whether another attempt could succeed. Rejected
// commands fail the same way every time.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	return !errors.Is(err, device.ErrCommandRejected)
}
