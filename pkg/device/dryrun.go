package device

import (
	"context"
	"log/slog"
	"time"
)

// DryRunExecutor never contacts a device. It echoes the command back.
type DryRunExecutor struct {
	logger *slog.Logger
}

func NewDryRunExecutor(logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger.With("module", "device_dry_run")}
}

func (d *DryRunExecutor) Run(ctx context.Context, profile *Profile, command Command, _ time.Duration) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "dry run", "device", profile.Name, "host", profile.Host, "command", command.Text)

	data := map[string]any{"dry_run": true, "command": command.Text}
	if command.Config != nil {
		data["config"] = command.Config
	}

	return &Result{Output: command.Text, Data: data}, nil
}
