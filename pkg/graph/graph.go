// Package graph validates process definitions and exposes the read-only
// graph the engine walks.
package graph

import "github.com/dukex/opsflow/pkg/models"

// Graph is the validated, immutable view of a definition. It is safe to
// share between every instance of the same definition version.
type Graph struct {
	definition *models.ProcessDefinition
	nodes      map[string]*models.Node
	edges      map[string]*models.Edge
	outgoing   map[string][]*models.Edge
	inbound    map[string][]*models.Edge
	start      string
	order      []string // topological order with loop_back edges removed
	forkJoin   map[string]string
	loopBodies map[string]map[string]bool
	reaches    map[string]map[string]bool // forward reachability, loop back-edges ignored
}

func (g *Graph) Definition() *models.ProcessDefinition {
	return g.definition
}

func (g *Graph) Node(id string) *models.Node {
	return g.nodes[id]
}

func (g *Graph) Edge(id string) *models.Edge {
	return g.edges[id]
}

// Start returns the single start node.
func (g *Graph) Start() *models.Node {
	return g.nodes[g.start]
}

// Outgoing returns the outgoing edges of a node in declaration order.
func (g *Graph) Outgoing(nodeID string) []*models.Edge {
	return g.outgoing[nodeID]
}

// Inbound returns the inbound edges of a node in declaration order.
func (g *Graph) Inbound(nodeID string) []*models.Edge {
	return g.inbound[nodeID]
}

// JoinFor returns the parallel join matched to a fork.
func (g *Graph) JoinFor(forkID string) (string, bool) {
	join, ok := g.forkJoin[forkID]

	return join, ok
}

// Reaches reports whether to lies downstream of from. Loop back-edges are
// not followed and a node does not reach itself.
func (g *Graph) Reaches(from, to string) bool {
	return g.reaches[from][to]
}

// InLoopBody reports whether nodeID belongs to the body of loopID.
func (g *Graph) InLoopBody(loopID, nodeID string) bool {
	return g.loopBodies[loopID][nodeID]
}

// Order returns node ids in topological order, loop back-edges ignored.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// LoopEdges splits the outgoing edges of a loop node into body and exit edges.
func (g *Graph) LoopEdges(loopID string) (body []*models.Edge, exit []*models.Edge) {
	for _, edge := range g.outgoing[loopID] {
		if edge.Kind == models.EdgeKindLoopBody {
			body = append(body, edge)
		} else {
			exit = append(exit, edge)
		}
	}

	return body, exit
}
