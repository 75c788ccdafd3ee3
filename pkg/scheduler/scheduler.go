// Package scheduler runs cron schedules that start process instances and
// the retention sweeper that removes old terminal instances.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// Starter starts the published version of a definition group.
type Starter interface {
	StartPublished(ctx context.Context, groupID string, variables map[string]any, startedBy string) (*models.ProcessInstance, error)
}

type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	store   persistence.Persistence
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(starter Starter, store persistence.Persistence, logger *slog.Logger) *Scheduler {
	logger = logger.With("module", "scheduler")
	cronLog := cronLogger{logger}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(cron.WithLogger(cronLog), cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		)),
		starter: starter,
		store:   store,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddSchedule registers a cron job starting schedule's definition group.
func (s *Scheduler) AddSchedule(schedule config.Schedule) error {
	id, err := s.cron.AddFunc(schedule.Cron, func() {
		if _, err := s.Fire(s.ctx, schedule); err != nil {
			s.logger.Error("scheduled start failed", "schedule", schedule.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add schedule %s: %w", schedule.Name, err)
	}

	s.logger.Info("schedule added", "schedule", schedule.Name, "cron", schedule.Cron, "entry_id", id)

	return nil
}

// Fire starts one instance for schedule right away.
func (s *Scheduler) Fire(ctx context.Context, schedule config.Schedule) (*models.ProcessInstance, error) {
	variables := models.CopyMap(schedule.Variables)
	if variables == nil {
		variables = map[string]any{}
	}

	variables["scheduled_at"] = time.Now().UTC().Format(time.RFC3339)

	instance, err := s.starter.StartPublished(ctx, schedule.DefinitionGroupID, variables, "schedule:"+schedule.Name)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "scheduled instance started",
		"schedule", schedule.Name,
		"instance_id", instance.ID,
		"definition_id", instance.DefinitionID)

	return instance, nil
}

// AddRetention registers the sweeper. A zero MaxAge registers nothing.
func (s *Scheduler) AddRetention(retention config.RetentionConfig) error {
	if retention.MaxAge <= 0 {
		return nil
	}

	_, err := s.cron.AddFunc(retention.Schedule, func() {
		if _, err := s.Sweep(s.ctx, retention.MaxAge); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add retention sweeper: %w", err)
	}

	return nil
}

// Sweep deletes terminal instances that ended more than maxAge ago
// together with their history and returns how many were removed.
func (s *Scheduler) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	instances, err := s.store.InstanceRepository().ListEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, instance := range instances {
		if err := s.store.HistoryRepository().DeleteByInstance(ctx, instance.ID); err != nil {
			return removed, fmt.Errorf("failed to delete history of %s: %w", instance.ID, err)
		}

		if err := s.store.InstanceRepository().Delete(ctx, instance.ID); err != nil {
			if persistence.IsInstanceNotFound(err) {
				continue
			}

			return removed, fmt.Errorf("failed to delete instance %s: %w", instance.ID, err)
		}

		removed++
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "retention sweep finished", "removed", removed, "cutoff", cutoff)
	}

	return removed, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
