package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dukex/opsflow/pkg/cmd"
	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/metrics"
	"github.com/dukex/opsflow/pkg/otelhelper"
	"github.com/dukex/opsflow/pkg/scheduler"
	"github.com/dukex/opsflow/pkg/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

func runAPI(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("api")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing opsflow API")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	var tracer trace.Tracer

	if command.Bool("otel") {
		t, shutdown, err := otelhelper.NewTracer(ctx, "opsflow-api")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()

		tracer = t
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	var publisher eventbus.EventPublisher = eventbus.Discard{}
	if bus != nil {
		publisher = bus

		defer func() {
			if err := bus.Close(); err != nil {
				logger.Error("Failed to close event bus", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(registry)

	eng, err := cmd.NewEngine(persistence, cfg, cmd.EngineOptions{
		Logger:    logger,
		Publisher: publisher,
		Tracer:    tracer,
		Observer:  m,
		DryRun:    command.Bool("dry-run"),
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := eng.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to shutdown engine", "error", err)
		}
	}()

	recovered, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover instances: %w", err)
	}

	logger.InfoContext(ctx, "Recovered instances", "count", recovered)

	api := NewAPI(logger, persistence, eng, publisher, m)

	if bus != nil {
		if err := services.NewCommands(api.Instances(), logger).Register(bus); err != nil {
			return err
		}

		if err := bus.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to event bus: %w", err)
		}
	}

	sched := scheduler.New(api.Instances(), persistence, logger)

	for _, schedule := range cfg.Schedules {
		if err := sched.AddSchedule(schedule); err != nil {
			return err
		}
	}

	if err := sched.AddRetention(cfg.Retention); err != nil {
		return err
	}

	sched.Start()

	defer func() {
		if err := sched.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to stop scheduler", "error", err)
		}
	}()

	return api.Start(ctx, int(command.Int("port")))
}
