package executors

import (
	"context"
	"fmt"
)

// ChildRequest asks for a child instance of the published definition of a group.
type ChildRequest struct {
	ParentInstanceID  string
	ParentNodeID      string
	DefinitionGroupID string
	Variables         map[string]any
}

// ChildStarter creates child instances. The child is persisted but only
// starts running once the parent has recorded its suspension.
type ChildStarter interface {
	StartChild(ctx context.Context, req ChildRequest) (string, error)
}

type SubProcess struct {
	children ChildStarter
}

func NewSubProcess(children ChildStarter) *SubProcess {
	return &SubProcess{children: children}
}

func (s *SubProcess) Execute(ctx context.Context, req *Request) Result {
	cfg := req.Node.SubProcess

	inputs, err := req.Scope.ResolveMap(cfg.Inputs)
	if err != nil {
		return Failed(fmt.Errorf("node %s inputs: %w", req.Node.ID, err))
	}

	childID, err := s.children.StartChild(ctx, ChildRequest{
		ParentInstanceID:  req.InstanceID,
		ParentNodeID:      req.Node.ID,
		DefinitionGroupID: cfg.DefinitionGroupID,
		Variables:         inputs,
	})
	if err != nil {
		return Failed(fmt.Errorf("%w: node %s: %w", ErrExecutorError, req.Node.ID, err))
	}

	return Suspended(childID, map[string]any{"child_instance_id": childID})
}
