package executors

import (
	"context"
	"fmt"

	"github.com/dukex/opsflow/pkg/models"
)

// Passthrough completes immediately. Used by start, end and join nodes.
type Passthrough struct{}

func (Passthrough) Execute(ctx context.Context, _ *Request) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	return Completed(nil)
}

// Fork activates every outgoing edge.
type Fork struct{}

func (Fork) Execute(ctx context.Context, req *Request) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	branches := edgeIDs(req.Outgoing)

	return Result{
		Status:   StatusCompleted,
		Output:   map[string]any{"branches": len(branches)},
		Branches: branches,
	}
}

// Condition follows the first edge whose guard holds, in declaration order.
// The default edge is taken only when nothing else matches.
type Condition struct{}

func (Condition) Execute(_ context.Context, req *Request) Result {
	var fallback *models.Edge

	for _, edge := range req.Outgoing {
		if edge.Kind == models.EdgeKindDefault {
			fallback = edge

			continue
		}

		if edge.Guard != "" {
			ok, err := req.Scope.Evaluate(edge.Guard)
			if err != nil {
				return Failed(fmt.Errorf("node %s edge %s: %w", req.Node.ID, edge.ID, err))
			}

			if !ok {
				continue
			}
		}

		return taken(edge, false)
	}

	if fallback != nil {
		return taken(fallback, true)
	}

	return Failed(fmt.Errorf("%w: node %s", ErrNoMatchingBranch, req.Node.ID))
}

func taken(edge *models.Edge, isDefault bool) Result {
	return Result{
		Status:   StatusCompleted,
		Output:   map[string]any{"branch": edge.ID, "target": edge.Target, "default": isDefault},
		Branches: []string{edge.ID},
	}
}

// Loop decides whether to run its body again. Request.Iteration holds the
// number of completed iterations.
type Loop struct{}

func (Loop) Execute(_ context.Context, req *Request) Result {
	cfg := req.Node.Loop
	completed := req.Iteration

	var again bool

	if cfg.Count > 0 {
		again = completed < cfg.Count
	} else {
		ok, err := req.Scope.Evaluate(cfg.Condition)
		if err != nil {
			return Failed(fmt.Errorf("node %s: %w", req.Node.ID, err))
		}

		again = ok
	}

	var body, exit []*models.Edge

	for _, edge := range req.Outgoing {
		if edge.Kind == models.EdgeKindLoopBody {
			body = append(body, edge)
		} else {
			exit = append(exit, edge)
		}
	}

	if again {
		if completed+1 > cfg.MaxIterations {
			return Failed(fmt.Errorf("%w: node %s reached %d iterations", ErrLoopLimitExceeded, req.Node.ID, cfg.MaxIterations))
		}

		return Result{
			Status:   StatusCompleted,
			Output:   map[string]any{"iteration": completed + 1},
			Branches: edgeIDs(body),
			Continue: true,
		}
	}

	branches, err := Follow(req.Scope, exit)
	if err != nil {
		return Failed(fmt.Errorf("node %s: %w", req.Node.ID, err))
	}

	return Result{
		Status:   StatusCompleted,
		Output:   map[string]any{"iterations": completed},
		Branches: branches,
	}
}
