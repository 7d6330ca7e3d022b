package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/flow"
	"github.com/rendis/ensemble/pkg/schema"
)

func linearEnsemble() *schema.Ensemble {
	return flow.New("pipeline").Version("1.0").Flow(
		flow.Agent("fetch", "${input.url}"),
		flow.Agent("summarize", "${fetch.output}", flow.Named("summary")),
		flow.Suspend("review summary", flow.Named("review")),
	).MustBuild()
}

func nestedEnsemble() *schema.Ensemble {
	return flow.New("nested").Flow(
		flow.Branch("${input.ok}",
			flow.Steps(flow.Agent("deploy", nil)),
			flow.Steps(flow.Agent("notify", nil)),
			flow.Named("decide")),
		flow.Switch("${input.tier}", map[string][]schema.FlowStep{
			"gold":   {flow.Agent("vip", nil)},
			"bronze": {flow.Agent("basic", nil)},
		}, flow.Steps(flow.Agent("fallback", nil))),
		flow.Parallel(flow.Steps(flow.Agent("a", nil), flow.Agent("b", nil)), flow.WaitFor(schema.WaitAny)),
		flow.Try(
			flow.Steps(flow.While("${state.more}", flow.Steps(flow.Agent("poll", nil)), flow.MaxIterations(5))),
			flow.Steps(flow.Agent("recover", nil)),
			nil),
		flow.MapReduce("${input.items}", flow.Agent("score", "${item}"), flow.Agent("merge", "${results}")),
	).MustBuild()
}

func TestBuild_Linear(t *testing.T) {
	model, err := Build(linearEnsemble(), nil)
	require.NoError(t, err)

	assert.Equal(t, "pipeline v1.0", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, endID, model.Nodes[4].ID)

	assert.Equal(t, "s0", model.Nodes[1].ID)
	assert.Equal(t, "fetch", model.Nodes[1].Label)
	assert.Equal(t, NodeKindAgent, model.Nodes[1].Kind)
	assert.Equal(t, "summary: summarize", model.Nodes[2].Label)
	assert.Equal(t, NodeKindSuspend, model.Nodes[3].Kind)
	assert.Equal(t, "suspend: review summary", model.Nodes[3].Label)

	assert.Equal(t, []Edge{
		{From: startID, To: "s0"},
		{From: "s0", To: "s1"},
		{From: "s1", To: "s2"},
		{From: "s2", To: endID},
	}, model.Edges)
}

func TestBuild_NestedSubgraphs(t *testing.T) {
	model, err := Build(nestedEnsemble(), nil)
	require.NoError(t, err)
	require.Len(t, model.Nodes, 7)

	branch := model.Nodes[1]
	assert.Equal(t, NodeKindCondition, branch.Kind)
	require.Len(t, branch.Children, 2)
	assert.Equal(t, "then", branch.Children[0].Label)
	assert.Equal(t, "s0_then_0", branch.Children[0].Nodes[0].ID)
	assert.Equal(t, "else", branch.Children[1].Label)

	sw := model.Nodes[2]
	require.Len(t, sw.Children, 3)
	assert.Equal(t, "case bronze", sw.Children[0].Label)
	assert.Equal(t, "case gold", sw.Children[1].Label)
	assert.Equal(t, "default", sw.Children[2].Label)

	par := model.Nodes[3]
	assert.Equal(t, NodeKindParallel, par.Kind)
	require.Len(t, par.Children, 1)
	assert.Equal(t, "wait any", par.Children[0].Label)
	assert.Len(t, par.Children[0].Nodes, 2)
	assert.Empty(t, par.Children[0].Edges, "parallel children are not chained")

	try := model.Nodes[4]
	assert.Equal(t, NodeKindTry, try.Kind)
	require.Len(t, try.Children, 2)
	loop := try.Children[0].Nodes[0]
	assert.Equal(t, NodeKindLoop, loop.Kind)
	require.Len(t, loop.Children, 1)
	assert.Equal(t, "body, max 5", loop.Children[0].Label)
	assert.Equal(t, "poll", loop.Children[0].Nodes[0].Label)

	mr := model.Nodes[5]
	require.Len(t, mr.Children, 2)
	assert.Equal(t, "map", mr.Children[0].Label)
	assert.Equal(t, "reduce", mr.Children[1].Label)
	assert.Equal(t, "merge", mr.Children[1].Nodes[0].Label)
}

func TestBuild_StatusOverlay(t *testing.T) {
	statuses := map[string]string{
		"fetch":   StatusCompleted,
		"summary": StatusFailed,
		"review":  StatusSuspended,
	}
	model, err := Build(linearEnsemble(), statuses)
	require.NoError(t, err)

	got := map[string]string{}
	model.Walk(func(n *Node) { got[n.ID] = n.Status })
	assert.Equal(t, StatusCompleted, got["s0"])
	assert.Equal(t, StatusFailed, got["s1"])
	assert.Equal(t, StatusSuspended, got["s2"])
	assert.Empty(t, got[startID])
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	dynamic := flow.New("dyn").Dynamic(func(context.Context, map[string]any) ([]schema.FlowStep, error) {
		return nil, nil
	}).MustBuild()
	_, err = Build(dynamic, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "execution time")

	_, err = Build(&schema.Ensemble{Name: "empty"}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestStatusesFromSteps(t *testing.T) {
	got := StatusesFromSteps(map[string]any{
		"fetch":  map[string]any{"success": true, "output": "x"},
		"send":   map[string]any{"success": false, "error": "boom"},
		"broken": "not a record",
	})
	assert.Equal(t, map[string]string{
		"fetch": StatusCompleted,
		"send":  StatusFailed,
	}, got)
}
