package graph_test

import (
	"errors"
	"testing"

	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Validate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		def      *models.ProcessDefinition
		wantCode string
		wantNode string
		wantEdge string
	}{
		{
			name: "no start node",
			def: testutil.CreateTestDefinition(func(d *models.ProcessDefinition) {
				d.Nodes = []*models.Node{testutil.SimpleNode("end", models.NodeTypeEnd)}
			}),
			wantCode: graph.CodeStartNode,
		},
		{
			name: "two start nodes",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("start2", models.NodeTypeStart)),
			),
			wantCode: graph.CodeStartNode,
			wantNode: "start2",
		},
		{
			name: "dangling edge",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("end", models.NodeTypeEnd)),
				testutil.WithChain("start", "end"),
				testutil.WithEdge("end", "ghost"),
			),
			wantCode: graph.CodeDanglingEdge,
			wantEdge: "e2-end-ghost",
		},
		{
			name: "node without inbound edge",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("end", models.NodeTypeEnd), testutil.SimpleNode("orphan", models.NodeTypeEnd)),
				testutil.WithChain("start", "end"),
			),
			wantCode: graph.CodeNoInboundEdge,
			wantNode: "orphan",
		},
		{
			name: "cycle outside a loop",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.ActionNode("a", "x"), testutil.ActionNode("b", "y")),
				testutil.WithChain("start", "a", "b", "a"),
			),
			wantCode: graph.CodeCycle,
			wantNode: "a",
		},
		{
			name: "cycle reported on the cycle, not downstream of it",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(
					testutil.ActionNode("a", "x"),
					testutil.ActionNode("tail", "w"),
					testutil.ActionNode("b", "y"),
					testutil.ActionNode("c", "z"),
				),
				testutil.WithChain("start", "a", "b", "c", "b"),
				testutil.WithChain("c", "tail"),
			),
			wantCode: graph.CodeCycle,
			wantNode: "c",
		},
		{
			name: "back edge into a non loop node",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.ActionNode("a", "x"), testutil.ActionNode("b", "y")),
				testutil.WithChain("start", "a", "b"),
				testutil.WithTypedEdge("b", "a", models.EdgeKindLoopBack, ""),
			),
			wantCode: graph.CodeLoopStructure,
			wantEdge: "e3-b-a",
		},
		{
			name: "back edge from outside the loop body",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(
					testutil.LoopNode("loop", "", 2, 3),
					testutil.ActionNode("step", "x"),
					testutil.ActionNode("after", "y"),
				),
				testutil.WithEdge("start", "loop"),
				testutil.WithTypedEdge("loop", "step", models.EdgeKindLoopBody, ""),
				testutil.WithTypedEdge("step", "loop", models.EdgeKindLoopBack, ""),
				testutil.WithEdge("loop", "after"),
				testutil.WithTypedEdge("after", "loop", models.EdgeKindLoopBack, ""),
			),
			wantCode: graph.CodeLoopStructure,
			wantEdge: "e5-after-loop",
		},
		{
			name: "loop without back edge",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.LoopNode("loop", "", 2, 3), testutil.ActionNode("step", "x")),
				testutil.WithEdge("start", "loop"),
				testutil.WithTypedEdge("loop", "step", models.EdgeKindLoopBody, ""),
			),
			wantCode: graph.CodeLoopStructure,
			wantNode: "loop",
		},
		{
			name: "fork without join",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(
					testutil.SimpleNode("fork", models.NodeTypeParallelFork),
					testutil.ActionNode("left", "x"),
					testutil.ActionNode("right", "y"),
				),
				testutil.WithChain("start", "fork", "left"),
				testutil.WithChain("fork", "right"),
			),
			wantCode: graph.CodeUnjoinedFork,
			wantNode: "fork",
		},
		{
			name: "fork whose branches reach different joins",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(
					testutil.SimpleNode("fork", models.NodeTypeParallelFork),
					testutil.ActionNode("left", "x"),
					testutil.ActionNode("right", "y"),
					testutil.SimpleNode("join1", models.NodeTypeParallelJoin),
					testutil.SimpleNode("join2", models.NodeTypeParallelJoin),
				),
				testutil.WithChain("start", "fork", "left", "join1"),
				testutil.WithChain("fork", "right", "join2"),
			),
			wantCode: graph.CodeUnjoinedFork,
			wantNode: "fork",
		},
		{
			name: "action without configuration",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(&models.Node{ID: "a", Type: models.NodeTypeAction}),
				testutil.WithChain("start", "a"),
			),
			wantCode: graph.CodeNodeConfig,
			wantNode: "a",
		},
		{
			name: "configuration of the wrong kind",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(&models.Node{
					ID: "c", Type: models.NodeTypeCondition,
					Loop: &models.LoopConfig{Count: 1, MaxIterations: 1},
				}),
				testutil.WithChain("start", "c"),
			),
			wantCode: graph.CodeNodeConfig,
			wantNode: "c",
		},
		{
			name:     "loop without iteration cap",
			def:      testutil.LoopDefinition("", 3, 0),
			wantCode: graph.CodeNodeConfig,
			wantNode: "loop",
		},
		{
			name:     "loop count above its cap",
			def:      testutil.LoopDefinition("", 5, 3),
			wantCode: graph.CodeNodeConfig,
			wantNode: "loop",
		},
		{
			name:     "loop with both condition and count",
			def:      testutil.LoopDefinition("attempts < 3", 2, 3),
			wantCode: graph.CodeNodeConfig,
			wantNode: "loop",
		},
		{
			name: "retry count out of range",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.ActionNode("a", "x", testutil.WithRetries(11, 0))),
				testutil.WithChain("start", "a"),
			),
			wantCode: graph.CodeNodeConfig,
			wantNode: "a",
		},
		{
			name: "invalid payload schema",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.HumanTaskNode("approve", map[string]any{"type": "banana"})),
				testutil.WithChain("start", "approve"),
			),
			wantCode: graph.CodeInvalidSchema,
			wantNode: "approve",
		},
		{
			name: "guard syntax error",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("c", models.NodeTypeCondition), testutil.SimpleNode("end", models.NodeTypeEnd)),
				testutil.WithEdge("start", "c"),
				testutil.WithGuardedEdge("c", "end", `status ==`),
			),
			wantCode: graph.CodeInvalidGuard,
			wantEdge: "e2-c-end",
		},
		{
			name: "guard on a fork edge",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(
					testutil.SimpleNode("fork", models.NodeTypeParallelFork),
					testutil.ActionNode("left", "x"),
					testutil.SimpleNode("join", models.NodeTypeParallelJoin),
				),
				testutil.WithEdge("start", "fork"),
				testutil.WithGuardedEdge("fork", "left", "true"),
				testutil.WithChain("left", "join"),
			),
			wantCode: graph.CodeEdgeConfig,
			wantEdge: "e2-fork-left",
		},
		{
			name: "default edge outside a condition node",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("end", models.NodeTypeEnd)),
				testutil.WithTypedEdge("start", "end", models.EdgeKindDefault, ""),
			),
			wantCode: graph.CodeEdgeConfig,
			wantEdge: "e1-start-end",
		},
		{
			name: "duplicate node id",
			def: testutil.CreateTestDefinition(
				testutil.WithNodes(testutil.SimpleNode("start", models.NodeTypeEnd)),
			),
			wantCode: graph.CodeDuplicateID,
			wantNode: "start",
		},
	}

	validator := graph.NewValidator(nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g, err := validator.Validate(tt.def)
			require.Error(t, err)
			assert.Nil(t, g)
			require.ErrorIs(t, err, graph.ErrInvalidGraph)

			var validationErr *graph.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.wantCode, validationErr.Code, validationErr.Error())
			assert.Equal(t, tt.wantNode, validationErr.NodeID)
			assert.Equal(t, tt.wantEdge, validationErr.EdgeID)
		})
	}
}

func TestValidator_Validate_Accepts(t *testing.T) {
	t.Parallel()

	validator := graph.NewValidator(nil)

	t.Run("sequential", func(t *testing.T) {
		t.Parallel()

		g, err := validator.Validate(testutil.SequentialDefinition("show version"))
		require.NoError(t, err)
		assert.Equal(t, "start", g.Start().ID)
		assert.Equal(t, []string{"start", "run", "end"}, g.Order())
		assert.Len(t, g.Outgoing("run"), 1)
		assert.Len(t, g.Inbound("run"), 1)
	})

	t.Run("fork and join", func(t *testing.T) {
		t.Parallel()

		g, err := validator.Validate(testutil.ForkJoinDefinition("a", "b"))
		require.NoError(t, err)

		join, ok := g.JoinFor("fork")
		require.True(t, ok)
		assert.Equal(t, "join", join)
	})

	t.Run("nested forks pair with the nearest join", func(t *testing.T) {
		t.Parallel()

		def := testutil.CreateTestDefinition(
			testutil.WithNodes(
				testutil.SimpleNode("outer", models.NodeTypeParallelFork),
				testutil.SimpleNode("inner", models.NodeTypeParallelFork),
				testutil.ActionNode("a", "x"),
				testutil.ActionNode("b", "y"),
				testutil.ActionNode("c", "z"),
				testutil.SimpleNode("inner_join", models.NodeTypeParallelJoin),
				testutil.SimpleNode("outer_join", models.NodeTypeParallelJoin),
			),
			testutil.WithChain("start", "outer", "inner", "a", "inner_join", "outer_join"),
			testutil.WithChain("inner", "b", "inner_join"),
			testutil.WithChain("outer", "c", "outer_join"),
		)

		g, err := validator.Validate(def)
		require.NoError(t, err)

		inner, _ := g.JoinFor("inner")
		outer, _ := g.JoinFor("outer")
		assert.Equal(t, "inner_join", inner)
		assert.Equal(t, "outer_join", outer)
	})

	t.Run("condition inside a fork branch", func(t *testing.T) {
		t.Parallel()

		g, err := validator.Validate(testutil.ConditionalBranchDefinition())
		require.NoError(t, err)

		join, ok := g.JoinFor("fork")
		require.True(t, ok)
		assert.Equal(t, "join", join)

		assert.True(t, g.Reaches("check", "join"))
		assert.True(t, g.Reaches("fix", "join"))
		assert.True(t, g.Reaches("fork", "end"))
		assert.False(t, g.Reaches("right", "fix"))
		assert.False(t, g.Reaches("join", "check"))
		assert.False(t, g.Reaches("join", "join"))
	})

	t.Run("loop with back edge", func(t *testing.T) {
		t.Parallel()

		g, err := validator.Validate(testutil.LoopDefinition("attempts < 3", 0, 5))
		require.NoError(t, err)
		assert.True(t, g.InLoopBody("loop", "step"))
		assert.False(t, g.InLoopBody("loop", "end"))
		assert.True(t, g.Reaches("loop", "step"))
		assert.False(t, g.Reaches("step", "loop"))

		body, exit := g.LoopEdges("loop")
		require.Len(t, body, 1)
		require.Len(t, exit, 1)
		assert.Equal(t, "step", body[0].Target)
		assert.Equal(t, "end", exit[0].Target)
	})

	t.Run("condition with default edge", func(t *testing.T) {
		t.Parallel()

		def := testutil.CreateTestDefinition(
			testutil.WithNodes(
				testutil.SimpleNode("check", models.NodeTypeCondition),
				testutil.ActionNode("up", "x"),
				testutil.ActionNode("down", "y"),
			),
			testutil.WithEdge("start", "check"),
			testutil.WithGuardedEdge("check", "up", `status == "up"`),
			testutil.WithTypedEdge("check", "down", models.EdgeKindDefault, ""),
		)

		_, err := validator.Validate(def)
		require.NoError(t, err)
	})

	t.Run("human task without configuration", func(t *testing.T) {
		t.Parallel()

		def := testutil.CreateTestDefinition(
			testutil.WithNodes(testutil.SimpleNode("approve", models.NodeTypeHumanTask)),
			testutil.WithChain("start", "approve"),
		)

		_, err := validator.Validate(def)
		require.NoError(t, err)
	})
}
