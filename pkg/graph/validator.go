package graph

import (
	"errors"
	"fmt"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/variables"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// Validator checks definitions before they are published.
type Validator struct {
	structs   *validator.Validate
	evaluator *variables.Evaluator
}

// NewValidator creates a validator. Guards are compiled with evaluator so
// the programs are already cached when instances run.
func NewValidator(evaluator *variables.Evaluator) *Validator {
	if evaluator == nil {
		evaluator = variables.NewEvaluator()
	}

	return &Validator{
		structs:   validator.New(validator.WithRequiredStructEnabled()),
		evaluator: evaluator,
	}
}

// Validate returns the graph of a structurally valid definition or the first
// ValidationError found. Structural checks run in order: single start node,
// edge endpoints, inbound edges, acyclicity outside loops, fork/join pairing.
// Per-node and per-edge configuration is checked last.
func (v *Validator) Validate(def *models.ProcessDefinition) (*Graph, error) {
	if def == nil {
		return nil, &ValidationError{Code: CodeDefinitionShape, Message: "definition is nil"}
	}

	g := &Graph{
		definition: def,
		nodes:      make(map[string]*models.Node, len(def.Nodes)),
		edges:      make(map[string]*models.Edge, len(def.Edges)),
		outgoing:   make(map[string][]*models.Edge, len(def.Nodes)),
		inbound:    make(map[string][]*models.Edge, len(def.Nodes)),
		forkJoin:   make(map[string]string),
		loopBodies: make(map[string]map[string]bool),
	}

	checks := []func(*Graph) error{
		v.indexIDs,
		v.checkStart,
		v.checkEdgeEndpoints,
		v.checkInbound,
		v.checkCycles,
		v.indexReach,
		v.checkForks,
		v.checkNodes,
		v.checkEdges,
	}

	for _, check := range checks {
		if err := check(g); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (v *Validator) indexIDs(g *Graph) error {
	for _, node := range g.definition.Nodes {
		if node == nil || node.ID == "" {
			return &ValidationError{Code: CodeNodeConfig, Message: "node without id"}
		}

		if _, exists := g.nodes[node.ID]; exists {
			return nodeError(CodeDuplicateID, node.ID, "duplicate node id")
		}

		g.nodes[node.ID] = node
	}

	for i, edge := range g.definition.Edges {
		if edge == nil || edge.ID == "" {
			return &ValidationError{Code: CodeEdgeConfig, Message: fmt.Sprintf("edge #%d without id", i)}
		}

		if _, exists := g.edges[edge.ID]; exists {
			return edgeError(CodeDuplicateID, edge.ID, "duplicate edge id")
		}

		g.edges[edge.ID] = edge
	}

	return nil
}

// (a) exactly one start node.
func (v *Validator) checkStart(g *Graph) error {
	var starts []string

	for _, node := range g.definition.Nodes {
		if node.Type == models.NodeTypeStart {
			starts = append(starts, node.ID)
		}
	}

	switch len(starts) {
	case 0:
		return &ValidationError{Code: CodeStartNode, Message: "definition has no start node"}
	case 1:
		g.start = starts[0]

		return nil
	default:
		return nodeError(CodeStartNode, starts[1], "definition has %d start nodes, expected exactly one", len(starts))
	}
}

// (b) every edge references existing nodes.
func (v *Validator) checkEdgeEndpoints(g *Graph) error {
	for _, edge := range g.definition.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return edgeError(CodeDanglingEdge, edge.ID, "source node %q does not exist", edge.Source)
		}

		if _, ok := g.nodes[edge.Target]; !ok {
			return edgeError(CodeDanglingEdge, edge.ID, "target node %q does not exist", edge.Target)
		}

		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
		g.inbound[edge.Target] = append(g.inbound[edge.Target], edge)
	}

	return nil
}

// (c) every non-start node has at least one inbound edge.
func (v *Validator) checkInbound(g *Graph) error {
	for _, node := range g.definition.Nodes {
		if node.Type == models.NodeTypeStart {
			if len(g.inbound[node.ID]) > 0 {
				return nodeError(CodeStartNode, node.ID, "start node cannot have inbound edges")
			}

			continue
		}

		if len(g.inbound[node.ID]) == 0 {
			return nodeError(CodeNoInboundEdge, node.ID, "node has no inbound edge")
		}
	}

	return nil
}

// (d) acyclic once loop back-edges are removed, and every back-edge closes
// the body of the loop node it targets.
func (v *Validator) checkCycles(g *Graph) error {
	indegree := make(map[string]int, len(g.nodes))
	for _, edge := range g.definition.Edges {
		if edge.Kind != models.EdgeKindLoopBack {
			indegree[edge.Target]++
		}
	}

	queue := make([]string, 0, len(g.nodes))

	for _, node := range g.definition.Nodes {
		if indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		g.order = append(g.order, current)

		for _, edge := range g.outgoing[current] {
			if edge.Kind == models.EdgeKindLoopBack {
				continue
			}

			indegree[edge.Target]--
			if indegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}

	if len(g.order) != len(g.nodes) {
		return nodeError(CodeCycle, g.cycleNode(indegree), "node is part of a cycle outside a loop construct")
	}

	for _, node := range g.definition.Nodes {
		if node.Type != models.NodeTypeLoop {
			continue
		}

		body, _ := g.LoopEdges(node.ID)
		if len(body) == 0 {
			return nodeError(CodeLoopStructure, node.ID, "loop node has no loop_body edge")
		}

		members := make(map[string]bool)
		for _, edge := range body {
			g.reach(edge.Target, members)
		}

		g.loopBodies[node.ID] = members

		var backEdges int

		for _, edge := range g.inbound[node.ID] {
			if edge.Kind == models.EdgeKindLoopBack {
				backEdges++
			}
		}

		if backEdges == 0 {
			return nodeError(CodeLoopStructure, node.ID, "loop node has no loop_back edge")
		}
	}

	for _, edge := range g.definition.Edges {
		switch edge.Kind {
		case models.EdgeKindLoopBack:
			if g.nodes[edge.Target].Type != models.NodeTypeLoop {
				return edgeError(CodeLoopStructure, edge.ID, "loop_back edge must target a loop node")
			}

			if !g.loopBodies[edge.Target][edge.Source] {
				return edgeError(CodeLoopStructure, edge.ID, "loop_back edge source %q is outside the body of loop %q", edge.Source, edge.Target)
			}
		case models.EdgeKindLoopBody:
			if g.nodes[edge.Source].Type != models.NodeTypeLoop {
				return edgeError(CodeLoopStructure, edge.ID, "loop_body edge must start at a loop node")
			}
		}
	}

	return nil
}

// cycleNode returns a node lying on a cycle left unsorted. Every unsorted
// node has an unsorted predecessor, so walking predecessors must revisit a
// node, and that node is on the cycle.
func (g *Graph) cycleNode(indegree map[string]int) string {
	var current string

	for _, node := range g.definition.Nodes {
		if indegree[node.ID] > 0 {
			current = node.ID

			break
		}
	}

	seen := make(map[string]bool)

	for !seen[current] {
		seen[current] = true

		for _, edge := range g.inbound[current] {
			if edge.Kind != models.EdgeKindLoopBack && indegree[edge.Source] > 0 {
				current = edge.Source

				break
			}
		}
	}

	return current
}

func (v *Validator) indexReach(g *Graph) error {
	g.reaches = make(map[string]map[string]bool, len(g.nodes))

	for id := range g.nodes {
		downstream := make(map[string]bool)
		g.reach(id, downstream)
		delete(downstream, id)

		g.reaches[id] = downstream
	}

	return nil
}

// (e) every fork has a join reachable from all of its immediate successors.
// The earliest common join in topological order is the matching one.
func (v *Validator) checkForks(g *Graph) error {
	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	for _, node := range g.definition.Nodes {
		if node.Type != models.NodeTypeParallelFork {
			continue
		}

		successors := g.outgoing[node.ID]
		if len(successors) == 0 {
			return nodeError(CodeUnjoinedFork, node.ID, "parallel fork has no outgoing edge")
		}

		var common map[string]bool

		for _, edge := range successors {
			reached := make(map[string]bool)
			g.reach(edge.Target, reached)

			joins := make(map[string]bool)

			for id := range reached {
				if g.nodes[id].Type == models.NodeTypeParallelJoin {
					joins[id] = true
				}
			}

			if common == nil {
				common = joins

				continue
			}

			for id := range common {
				if !joins[id] {
					delete(common, id)
				}
			}
		}

		if len(common) == 0 {
			return nodeError(CodeUnjoinedFork, node.ID, "parallel fork has no parallel join reachable from every branch")
		}

		nearest := ""
		for id := range common {
			if nearest == "" || position[id] < position[nearest] {
				nearest = id
			}
		}

		g.forkJoin[node.ID] = nearest
	}

	return nil
}

func (v *Validator) checkNodes(g *Graph) error {
	for _, node := range g.definition.Nodes {
		if err := v.structs.Struct(node); err != nil {
			return nodeError(CodeNodeConfig, node.ID, "%s", describe(err))
		}

		if err := checkVariant(node); err != nil {
			return nodeError(CodeNodeConfig, node.ID, "%s", err)
		}

		switch node.Type {
		case models.NodeTypeLoop:
			if node.Loop.Condition != "" {
				if err := v.evaluator.Compile(node.Loop.Condition); err != nil {
					return nodeError(CodeInvalidGuard, node.ID, "%s", err)
				}
			}
		case models.NodeTypeHumanTask:
			if node.HumanTask != nil && len(node.HumanTask.PayloadSchema) > 0 {
				_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(node.HumanTask.PayloadSchema))
				if err != nil {
					return nodeError(CodeInvalidSchema, node.ID, "payload schema: %s", err)
				}
			}
		}
	}

	return nil
}

func (v *Validator) checkEdges(g *Graph) error {
	defaults := make(map[string]string)

	for _, edge := range g.definition.Edges {
		if err := v.structs.Struct(edge); err != nil {
			return edgeError(CodeEdgeConfig, edge.ID, "%s", describe(err))
		}

		source := g.nodes[edge.Source]

		if source.Type == models.NodeTypeParallelFork && edge.Guard != "" {
			return edgeError(CodeEdgeConfig, edge.ID, "edges leaving a parallel fork cannot have guards")
		}

		if edge.Kind == models.EdgeKindDefault {
			if source.Type != models.NodeTypeCondition {
				return edgeError(CodeEdgeConfig, edge.ID, "default edges are only allowed on condition nodes")
			}

			if edge.Guard != "" {
				return edgeError(CodeEdgeConfig, edge.ID, "default edge cannot have a guard")
			}

			if other, exists := defaults[source.ID]; exists {
				return edgeError(CodeEdgeConfig, edge.ID, "condition node %q already has default edge %q", source.ID, other)
			}

			defaults[source.ID] = edge.ID
		}

		if edge.Guard != "" {
			if err := v.evaluator.Compile(edge.Guard); err != nil {
				return edgeError(CodeInvalidGuard, edge.ID, "%s", err)
			}
		}
	}

	return nil
}

// reach marks every node reachable from start, loop back-edges ignored.
func (g *Graph) reach(start string, seen map[string]bool) {
	stack := []string{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[current] {
			continue
		}

		seen[current] = true

		for _, edge := range g.outgoing[current] {
			if edge.Kind != models.EdgeKindLoopBack {
				stack = append(stack, edge.Target)
			}
		}
	}
}

var errConfigMismatch = errors.New("configuration does not match node type")

// checkVariant enforces that only the configuration matching the node type is
// set. Human tasks may omit theirs.
func checkVariant(node *models.Node) error {
	want := map[models.NodeType]string{
		models.NodeTypeAction:     "action",
		models.NodeTypeLoop:       "loop",
		models.NodeTypeSubProcess: "sub_process",
	}

	if node.Type == models.NodeTypeHumanTask {
		want[node.Type] = "human_task"
	}

	present := map[string]bool{
		"action":      node.Action != nil,
		"loop":        node.Loop != nil,
		"human_task":  node.HumanTask != nil,
		"sub_process": node.SubProcess != nil,
	}

	expected, hasConfig := want[node.Type]
	if hasConfig && expected != "human_task" && !present[expected] {
		return fmt.Errorf("%w: %s node requires %q configuration", errConfigMismatch, node.Type, expected)
	}

	for name, set := range present {
		if set && name != expected {
			return fmt.Errorf("%w: %s node cannot carry %q configuration", errConfigMismatch, node.Type, name)
		}
	}

	return nil
}

func describe(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return err.Error()
	}

	first := validationErrors[0]

	return fmt.Sprintf("field %s failed on '%s'", first.Namespace(), first.Tag())
}
