// Package main provides the opsflow API server.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/metrics"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/services"
	"github.com/dukex/opsflow/pkg/variables"
	"github.com/dukex/opsflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	metrics     *metrics.Metrics
	validate    *validator.Validate

	definitions *services.Definition
	publishing  *services.Publishing
	instances   *services.Instance
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eng *engine.Engine,
	publisher eventbus.EventPublisher,
	m *metrics.Metrics,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		metrics:     m,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		definitions: services.NewDefinition(persistence, logger),
		publishing:  services.NewPublishing(persistence, graph.NewValidator(variables.NewEvaluator()), publisher, logger),
		instances:   services.NewInstance(persistence, eng, logger),
	}
}

// Instances exposes the instance service to the scheduler and command intake.
func (a *API) Instances() *services.Instance {
	return a.instances
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.definitions, a.publishing, a.instances, a.validate)

	app := fiber.New()
	app.Use(recoverer.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("opsflow API")
	})

	if a.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))
	}

	handlers.Register(app)

	return app
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "API listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("shutting down API")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	}
}
