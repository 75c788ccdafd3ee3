package web

import (
	"errors"

	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// graphProblem carries the structured validation failure of a definition graph.
type graphProblem struct {
	*problems.Problem

	Code   string `json:"code"`
	NodeID string `json:"node_id,omitempty"`
	EdgeID string `json:"edge_id,omitempty"`
}

// handleServiceError maps service and engine errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(graphProblem{
				Problem: problems.NewStatusProblem(400).
					WithInstance(c.Path()).
					WithType("invalid_graph").
					WithDetail(verr.Error()),
				Code:   verr.Code,
				NodeID: verr.NodeID,
				EdgeID: verr.EdgeID,
			})
		}

		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsNotFoundError(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case services.IsConflictError(err):
		problemType := "conflict"
		if errors.Is(err, engine.ErrInvalidTransition) {
			problemType = "invalid_transition"
		}

		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType(problemType).
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}
