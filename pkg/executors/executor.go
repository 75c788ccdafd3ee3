// Package executors runs a single node of a process graph.
package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/variables"
)

var (
	ErrExecutorTimeout   = errors.New("executor timed out")
	ErrExecutorError     = errors.New("executor failed")
	ErrNoMatchingBranch  = errors.New("no matching branch")
	ErrLoopLimitExceeded = errors.New("loop iteration limit exceeded")
	ErrPayloadInvalid    = errors.New("resume payload invalid")
	ErrUnknownNodeType   = errors.New("no executor registered for node type")
)

type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one Execute call.
type Result struct {
	Status Status
	Output map[string]any
	Err    error
	// ResumeToken identifies the wait of a suspended node. For sub-process
	// nodes it is the child instance id.
	ResumeToken string
	// Branches lists the edge ids to follow. Nil means the runner follows
	// every outgoing edge whose guard holds.
	Branches []string
	// Continue is set by loop nodes that re-enter their body.
	Continue bool
}

func Completed(output map[string]any) Result {
	return Result{Status: StatusCompleted, Output: output}
}

func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

func Suspended(token string, output map[string]any) Result {
	return Result{Status: StatusSuspended, ResumeToken: token, Output: output}
}

// RetryFunc is called by executors before a new attempt of the same node.
// attempt is the 1-based number of the attempt about to start.
type RetryFunc func(ctx context.Context, attempt int, cause error) error

// Request carries everything an executor may read. Scope is a private
// snapshot; executors never write to it.
type Request struct {
	InstanceID   string
	DefinitionID string
	Node         *models.Node
	Outgoing     []*models.Edge
	Scope        *variables.Store
	// Iteration is the number of completed iterations of a loop node.
	Iteration int
	Retry     RetryFunc
}

type Executor interface {
	Execute(ctx context.Context, req *Request) Result
}

// Registry maps node types to executors.
type Registry struct {
	executors map[models.NodeType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.NodeType]Executor)}
}

func (r *Registry) Register(nodeType models.NodeType, executor Executor) {
	r.executors[nodeType] = executor
}

func (r *Registry) Get(nodeType models.NodeType) (Executor, error) {
	executor, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
	}

	return executor, nil
}

func (r *Registry) Types() []models.NodeType {
	types := make([]models.NodeType, 0, len(r.executors))
	for nodeType := range r.executors {
		types = append(types, nodeType)
	}

	return types
}

func edgeIDs(edges []*models.Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.ID)
	}

	return ids
}

// Follow returns the edges whose guard is empty or evaluates to true.
func Follow(scope *variables.Store, edges []*models.Edge) ([]string, error) {
	ids := make([]string, 0, len(edges))

	for _, edge := range edges {
		if edge.Guard != "" {
			ok, err := scope.Evaluate(edge.Guard)
			if err != nil {
				return nil, fmt.Errorf("edge %s: %w", edge.ID, err)
			}

			if !ok {
				continue
			}
		}

		ids = append(ids, edge.ID)
	}

	return ids, nil
}
