// Package web provides HTTP handlers and REST API endpoints for process
// definitions and instances.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// ActorHeader names the caller recorded as author of definition changes.
const ActorHeader = "X-Opsflow-Actor"

const defaultActor = "api"

type APIHandlers struct {
	definitions *services.Definition
	publishing  *services.Publishing
	instances   *services.Instance
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *services.Definition,
	publishing *services.Publishing,
	instances *services.Instance,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		publishing:  publishing,
		instances:   instances,
		validator:   validator,
	}
}

// Register mounts every control route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	d := router.Group("/definitions")
	d.Get("/", h.ListDefinitions)
	d.Post("/", h.CreateDefinition)
	d.Get("/groups/:groupId/versions", h.ListVersions)
	d.Get("/:id", h.GetDefinition)
	d.Patch("/:id", h.UpdateDefinition)
	d.Delete("/:id", h.DeleteDefinition)
	d.Post("/:id/publish", h.PublishDefinition)
	d.Post("/:id/disable", h.DisableDefinition)

	i := router.Group("/instances")
	i.Get("/", h.ListInstances)
	i.Post("/", h.StartInstance)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/resume", h.ResumeInstance)
	i.Post("/:id/terminate", h.TerminateInstance)
	i.Patch("/:id/variables", h.UpdateVariables)
	i.Get("/:id/history", h.ListHistory)
}

func actor(c fiber.Ctx) string {
	if a := strings.TrimSpace(c.Get(ActorHeader)); a != "" {
		return a
	}

	return defaultActor
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.definitions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Opsflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Opsflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	req, err := parseListDefinitionsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.definitions.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"definitions":   result.Definitions,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

func parseListDefinitionsRequest(c fiber.Ctx) (*services.ListDefinitionsRequest, error) {
	req := &services.ListDefinitionsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.GroupID = c.Query("group_id")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.DefinitionStatus(statusStr)
		req.Status = &status
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.definitions.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) ListVersions(c fiber.Ctx) error {
	groupID := c.Params("groupId")
	if groupID == "" {
		return badRequest(c, "Definition group ID is required")
	}

	versions, err := h.definitions.Versions(c.Context(), groupID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"group_id": groupID, "versions": versions})
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.definitions.Create(c.Context(), req.ToModel(), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// UpdateDefinition replaces a draft's graph. Targeting a published or
// disabled version answers 201 with the new draft version.
func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	id := c.Params("id")

	var req DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.definitions.Update(c.Context(), id, req.ToModel(), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	if updated.ID != id {
		return c.Status(fiber.StatusCreated).JSON(updated)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	if err := h.definitions.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	published, err := h.publishing.Publish(c.Context(), c.Params("id"), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) DisableDefinition(c fiber.Ctx) error {
	disabled, err := h.publishing.Disable(c.Context(), c.Params("id"), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(disabled)
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	var statuses []models.InstanceStatus

	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, models.InstanceStatus(strings.TrimSpace(s)))
		}
	}

	instances, err := h.instances.List(c.Context(), statuses...)
	if err != nil {
		return handleServiceError(c, err)
	}

	states := make([]InstanceStateResponse, 0, len(instances))
	for _, instance := range instances {
		states = append(states, NewInstanceStateResponse(instance))
	}

	return c.JSON(fiber.Map{"instances": states, "total_count": len(states)})
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	startedBy := req.StartedBy
	if startedBy == "" {
		startedBy = actor(c)
	}

	var (
		instance *models.ProcessInstance
		err      error
	)

	if req.DefinitionID == "" {
		instance, err = h.instances.StartPublished(c.Context(), req.GroupID, req.Variables, startedBy)
	} else {
		instance, err = h.instances.Start(c.Context(), services.StartInstanceRequest{
			DefinitionID: req.DefinitionID,
			Variables:    req.Variables,
			StartedBy:    startedBy,
		})
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(NewInstanceStateResponse(instance))
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	instance, err := h.instances.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewInstanceStateResponse(instance))
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	var req ResumeInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Resume(c.Context(), c.Params("id"), req.ResumeToken, req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewInstanceStateResponse(instance))
}

func (h *APIHandlers) TerminateInstance(c fiber.Ctx) error {
	var req TerminateInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Terminate(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewInstanceStateResponse(instance))
}

func (h *APIHandlers) UpdateVariables(c fiber.Ctx) error {
	var req UpdateVariablesRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.UpdateVariables(c.Context(), c.Params("id"), req.Variables)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewInstanceStateResponse(instance))
}

func (h *APIHandlers) ListHistory(c fiber.Ctx) error {
	records, err := h.instances.History(c.Context(), c.Params("id"), c.Query("node_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"history": records, "total_count": len(records)})
}
