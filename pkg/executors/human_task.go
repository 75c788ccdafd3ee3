package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// HumanTask suspends the instance until an operator resumes it.
type HumanTask struct {
	newToken func() string
}

func NewHumanTask() *HumanTask {
	return &HumanTask{newToken: func() string { return uuid.Must(uuid.NewV7()).String() }}
}

func (h *HumanTask) Execute(ctx context.Context, req *Request) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	output := map[string]any{}

	if cfg := req.Node.HumanTask; cfg != nil {
		if cfg.Assignee != "" {
			output["assignee"] = req.Scope.Render(cfg.Assignee)
		}

		if cfg.Prompt != "" {
			output["prompt"] = req.Scope.Render(cfg.Prompt)
		}
	}

	return Suspended(h.newToken(), output)
}

// Accept validates a resume payload against the node's payload schema.
func Accept(node *models.Node, payload map[string]any) error {
	if node.HumanTask == nil || len(node.HumanTask.PayloadSchema) == 0 {
		return nil
	}

	if payload == nil {
		payload = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(node.HumanTask.PayloadSchema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPayloadInvalid, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrPayloadInvalid, strings.Join(problems, "; "))
	}

	return nil
}
