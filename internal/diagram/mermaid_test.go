package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/flow"
	"github.com/rendis/ensemble/pkg/schema"
)

func TestRenderMermaid_Linear(t *testing.T) {
	model, err := Build(linearEnsemble(), nil)
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% pipeline v1.0")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `__end__(("End"))`)
	assert.Contains(t, out, `s0["fetch"]`)
	assert.Contains(t, out, `s2(["suspend: review summary"])`)
	assert.Contains(t, out, "__start__ --> s0")
	assert.Contains(t, out, "s2 --> __end__")
	assert.Contains(t, out, "classDef completed")
	assert.NotContains(t, out, "subgraph")
	assert.NotContains(t, out, "    class s")
}

func TestRenderMermaid_Nested(t *testing.T) {
	model, err := Build(nestedEnsemble(), nil)
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.Contains(t, out, `s0{"decide ${input.ok}"}`)
	assert.Contains(t, out, `subgraph s0_then["then"]`)
	assert.Contains(t, out, "s0 -.-> s0_then")
	assert.Contains(t, out, `subgraph s1_case_gold["case gold"]`)
	assert.Contains(t, out, `s2[["parallel"]]`)
	assert.Contains(t, out, `s3{{"try"}}`)
	assert.Contains(t, out, `subgraph s3_try_0_body__max_5["body, max 5"]`)
	assert.Contains(t, out, `s4_reduce_0["merge"]`)

	ends := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "end" {
			ends++
		}
	}
	assert.Equal(t, strings.Count(out, "subgraph "), ends)
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	model, err := Build(linearEnsemble(), map[string]string{
		"fetch":  StatusCompleted,
		"review": StatusSuspended,
		"other":  "bogus",
	})
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.Contains(t, out, "class s0 completed")
	assert.Contains(t, out, "class s2 suspended")
	assert.NotContains(t, out, "class s1 ")
}

func TestRenderMermaid_EscapesLabels(t *testing.T) {
	ens := flow.New("quotes").Flow(
		schema.FlowStep{Type: schema.StepTypeSuspend, Reason: `say "hi" <now>`},
	).MustBuild()
	model, err := Build(ens, nil)
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.Contains(t, out, `s0(["suspend: say #quot;hi#quot; #lt;now#gt;"])`)
}
