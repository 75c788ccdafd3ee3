package services

import (
	"context"
	"log/slog"

	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/events"
)

// Commands applies operator commands received over the event bus.
type Commands struct {
	instances *Instance
	logger    *slog.Logger
}

func NewCommands(instances *Instance, logger *slog.Logger) *Commands {
	return &Commands{
		instances: instances,
		logger:    logger.With("module", "command_intake"),
	}
}

// Register attaches the command handlers to subscriber. The caller subscribes.
func (c *Commands) Register(subscriber eventbus.EventSubscriber) error {
	if err := subscriber.Handle(events.ResumeRequestedEvent, c.handleResumeRequested); err != nil {
		return err
	}

	return subscriber.Handle(events.TerminateRequestedEvent, c.handleTerminateRequested)
}

func (c *Commands) handleResumeRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.ResumeRequested)
	if !ok {
		c.logger.ErrorContext(ctx, "Invalid event type for ResumeRequested")

		return nil
	}

	logger := c.logger.With("instance_id", request.InstanceID, "event_id", request.ID, "requested_by", request.RequestedBy)

	_, err := c.instances.Resume(ctx, request.InstanceID, request.ResumeToken, request.Payload)

	return c.settle(ctx, logger, "resume", err)
}

func (c *Commands) handleTerminateRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.TerminateRequested)
	if !ok {
		c.logger.ErrorContext(ctx, "Invalid event type for TerminateRequested")

		return nil
	}

	logger := c.logger.With("instance_id", request.InstanceID, "event_id", request.ID, "requested_by", request.RequestedBy)

	_, err := c.instances.Terminate(ctx, request.InstanceID, request.Reason)

	return c.settle(ctx, logger, "terminate", err)
}

// settle drops commands that can never succeed so the bus does not
// redeliver them; anything else is returned for redelivery.
func (c *Commands) settle(ctx context.Context, logger *slog.Logger, command string, err error) error {
	switch {
	case err == nil:
		logger.InfoContext(ctx, "command applied", "command", command)

		return nil
	case IsValidationError(err), IsNotFoundError(err), IsConflictError(err):
		logger.WarnContext(ctx, "command rejected", "command", command, "error", err)

		return nil
	default:
		logger.ErrorContext(ctx, "command failed", "command", command, "error", err)

		return err
	}
}
