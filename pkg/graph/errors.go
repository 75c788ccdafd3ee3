package graph

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph is matched by every ValidationError.
var ErrInvalidGraph = errors.New("invalid process graph")

// Validation error codes.
const (
	CodeDuplicateID     = "duplicate_id"
	CodeStartNode       = "start_node"
	CodeDanglingEdge    = "dangling_edge"
	CodeNoInboundEdge   = "no_inbound_edge"
	CodeCycle           = "cycle"
	CodeLoopStructure   = "loop_structure"
	CodeUnjoinedFork    = "unjoined_fork"
	CodeNodeConfig      = "node_config"
	CodeEdgeConfig      = "edge_config"
	CodeInvalidGuard    = "invalid_guard"
	CodeInvalidSchema   = "invalid_schema"
	CodeDefinitionShape = "definition"
)

// ValidationError names the node or edge that makes a definition unpublishable.
type ValidationError struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %q: %s", ErrInvalidGraph, e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %q: %s", ErrInvalidGraph, e.EdgeID, e.Message)
	default:
		return fmt.Sprintf("%s: %s", ErrInvalidGraph, e.Message)
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidGraph
}

func nodeError(code, nodeID, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

func edgeError(code, edgeID, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, EdgeID: edgeID, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError checks if an error is a graph validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidGraph)
}
