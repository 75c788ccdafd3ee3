package engine

import (
	"context"
	"errors"

	"github.com/dukex/opsflow/pkg/models"
)

var errInterrupted = errors.New("interrupted: engine restarted while the node was running")

// Recover loads the running and suspended instances left by a previous
// process. Records of dispatches that were in flight are closed failed and
// their nodes dispatched again. It returns the number of instances loaded.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	instances, err := e.store.InstanceRepository().ListByStatus(ctx, models.InstanceStatusRunning, models.InstanceStatusSuspended)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, instance := range instances {
		e.mu.Lock()
		_, loaded := e.runs[instance.ID]
		e.mu.Unlock()

		if loaded {
			continue
		}

		if err := e.recoverInstance(ctx, instance); err != nil {
			e.logger.ErrorContext(ctx, "failed to recover instance", "instance_id", instance.ID, "error", err)

			continue
		}

		recovered++
	}

	e.logger.InfoContext(ctx, "recovery finished", "instances", recovered)

	return recovered, nil
}

func (e *Engine) recoverInstance(ctx context.Context, instance *models.ProcessInstance) error {
	g, err := e.graphFor(instance.Definition)
	if err != nil {
		return err
	}

	owned := make(map[string]bool)

	for _, slot := range instance.Slots {
		if slot.State == models.SlotStateWaiting {
			owned[slot.RecordID] = true
		}
	}

	records, err := e.recorder.List(ctx, instance.ID)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.IsFinished() || owned[record.ID] {
			continue
		}

		err := e.recorder.Finish(ctx, record.ID, models.HistoryStatusFailed, nil, errInterrupted)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to close interrupted record", "record_id", record.ID, "error", err)
		}
	}

	r := newRun(instance, g, e.evaluator)

	if err := e.register(r); err != nil {
		return err
	}

	r.mu.Lock()
	defer e.release(r)

	for _, slot := range r.instance.Slots {
		if slot.State == models.SlotStateRunning {
			slot.State = models.SlotStateReady
			slot.RecordID = ""
		}
	}

	if r.instance.Status == models.InstanceStatusRunning {
		e.advance(ctx, r)
	}

	e.logger.InfoContext(ctx, "instance recovered",
		"instance_id", instance.ID,
		"status", instance.Status,
		"slots", len(instance.Slots),
	)

	return nil
}
