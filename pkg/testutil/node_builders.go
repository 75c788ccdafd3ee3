// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestDefinition creates a draft definition with a start node and no
// edges. Overrides are applied in order.
func CreateTestDefinition(overrides ...func(*models.ProcessDefinition)) *models.ProcessDefinition {
	def := &models.ProcessDefinition{
		ID:          uuid.New().String(),
		GroupID:     uuid.New().String(),
		Name:        "Test Process",
		Description: "Test process definition",
		Version:     1,
		Status:      models.DefinitionStatusDraft,
		Nodes:       []*models.Node{{ID: "start", Name: "Start", Type: models.NodeTypeStart}},
		Edges:       []*models.Edge{},
		Variables:   map[string]any{},
		CreatedBy:   "test-user",
		UpdatedBy:   "test-user",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	for _, override := range overrides {
		override(def)
	}

	return def
}

// WithNodes appends nodes.
func WithNodes(nodes ...*models.Node) func(*models.ProcessDefinition) {
	return func(d *models.ProcessDefinition) {
		d.Nodes = append(d.Nodes, nodes...)
	}
}

// WithEdge appends an edge with a generated id.
func WithEdge(source, target string) func(*models.ProcessDefinition) {
	return WithTypedEdge(source, target, models.EdgeKindNormal, "")
}

// WithGuardedEdge appends an edge carrying a guard.
func WithGuardedEdge(source, target, guard string) func(*models.ProcessDefinition) {
	return WithTypedEdge(source, target, models.EdgeKindNormal, guard)
}

// WithTypedEdge appends an edge of the given kind.
func WithTypedEdge(source, target string, kind models.EdgeKind, guard string) func(*models.ProcessDefinition) {
	return func(d *models.ProcessDefinition) {
		d.Edges = append(d.Edges, &models.Edge{
			ID:     fmt.Sprintf("e%d-%s-%s", len(d.Edges)+1, source, target),
			Source: source,
			Target: target,
			Guard:  guard,
			Kind:   kind,
		})
	}
}

// WithChain links nodes in sequence with plain edges.
func WithChain(ids ...string) func(*models.ProcessDefinition) {
	return func(d *models.ProcessDefinition) {
		for i := 1; i < len(ids); i++ {
			WithEdge(ids[i-1], ids[i])(d)
		}
	}
}

// WithVariables sets the declared defaults.
func WithVariables(variables map[string]any) func(*models.ProcessDefinition) {
	return func(d *models.ProcessDefinition) {
		d.Variables = variables
	}
}

// WithStatus sets the lifecycle status.
func WithStatus(status models.DefinitionStatus) func(*models.ProcessDefinition) {
	return func(d *models.ProcessDefinition) {
		d.Status = status
	}
}

// ActionNode creates an action node running command on the "lab" profile.
func ActionNode(id, command string, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:   id,
		Name: "Action " + id,
		Type: models.NodeTypeAction,
		Action: &models.ActionConfig{
			Profile: "lab",
			Command: command,
			Timeout: models.Duration(time.Second),
		},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithRetries sets the retry policy of an action node.
func WithRetries(count int, delay time.Duration) func(*models.Node) {
	return func(n *models.Node) {
		n.Action.RetryCount = count
		n.Action.RetryDelay = models.Duration(delay)
	}
}

// WithOutputs declares variable bindings on a node.
func WithOutputs(outputs map[string]string) func(*models.Node) {
	return func(n *models.Node) {
		n.Outputs = outputs
	}
}

// SimpleNode creates a node that needs no configuration.
func SimpleNode(id string, nodeType models.NodeType) *models.Node {
	return &models.Node{ID: id, Name: id, Type: nodeType}
}

// LoopNode creates a loop node guarded by condition (or counting when count > 0).
func LoopNode(id, condition string, count, maxIterations int) *models.Node {
	return &models.Node{
		ID:   id,
		Name: "Loop " + id,
		Type: models.NodeTypeLoop,
		Loop: &models.LoopConfig{Condition: condition, Count: count, MaxIterations: maxIterations},
	}
}

// HumanTaskNode creates a human task node with an optional payload schema.
func HumanTaskNode(id string, schema map[string]any) *models.Node {
	return &models.Node{
		ID:        id,
		Name:      "Approve " + id,
		Type:      models.NodeTypeHumanTask,
		HumanTask: &models.HumanTaskConfig{Assignee: "noc", Prompt: "approve change", PayloadSchema: schema},
	}
}

// SubProcessNode creates a node starting a child of groupID.
func SubProcessNode(id, groupID string, inputs map[string]string) *models.Node {
	return &models.Node{
		ID:         id,
		Name:       "Child " + id,
		Type:       models.NodeTypeSubProcess,
		SubProcess: &models.SubProcessConfig{DefinitionGroupID: groupID, Inputs: inputs},
	}
}

// SequentialDefinition builds start -> action -> end.
func SequentialDefinition(command string) *models.ProcessDefinition {
	return CreateTestDefinition(
		WithNodes(ActionNode("run", command), SimpleNode("end", models.NodeTypeEnd)),
		WithChain("start", "run", "end"),
	)
}

// ForkJoinDefinition builds start -> fork -> (left, right) -> join -> end.
func ForkJoinDefinition(left, right string) *models.ProcessDefinition {
	return CreateTestDefinition(
		WithNodes(
			SimpleNode("fork", models.NodeTypeParallelFork),
			ActionNode("left", left),
			ActionNode("right", right),
			SimpleNode("join", models.NodeTypeParallelJoin),
			SimpleNode("end", models.NodeTypeEnd),
		),
		WithChain("start", "fork"),
		WithChain("fork", "left", "join"),
		WithChain("fork", "right", "join"),
		WithChain("join", "end"),
	)
}

// ConditionalBranchDefinition builds a fork whose first branch holds a
// condition: status == "down" runs fix before the join, anything else goes
// to the join directly.
func ConditionalBranchDefinition() *models.ProcessDefinition {
	return CreateTestDefinition(
		WithNodes(
			SimpleNode("fork", models.NodeTypeParallelFork),
			SimpleNode("check", models.NodeTypeCondition),
			ActionNode("fix", "fix"),
			ActionNode("right", "right"),
			SimpleNode("join", models.NodeTypeParallelJoin),
			SimpleNode("end", models.NodeTypeEnd),
		),
		WithChain("start", "fork", "check"),
		WithGuardedEdge("check", "fix", `status == "down"`),
		WithChain("fix", "join"),
		WithTypedEdge("check", "join", models.EdgeKindDefault, ""),
		WithChain("fork", "right", "join"),
		WithChain("join", "end"),
	)
}

// LoopDefinition builds start -> loop =body=> step -back-> loop -> end.
func LoopDefinition(condition string, count, maxIterations int) *models.ProcessDefinition {
	return CreateTestDefinition(
		WithNodes(
			LoopNode("loop", condition, count, maxIterations),
			ActionNode("step", "poll"),
			SimpleNode("end", models.NodeTypeEnd),
		),
		WithEdge("start", "loop"),
		WithTypedEdge("loop", "step", models.EdgeKindLoopBody, ""),
		WithTypedEdge("step", "loop", models.EdgeKindLoopBack, ""),
		WithEdge("loop", "end"),
	)
}
