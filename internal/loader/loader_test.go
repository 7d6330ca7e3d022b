package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/flow"
	"github.com/rendis/ensemble/pkg/schema"
)

const reviewYAML = `
name: review
version: "1.0"
description: Draft, approve and publish
state:
  schema:
    count: integer
  initial:
    count: 0
scoring:
  evaluator: judge
  threshold: 0.8
  maxRetries: 2
flow:
  - agent: writer
    name: draft
    input:
      topic: ${input.topic}
    scoring:
      threshold: 0.9
    timeout: 30s
  - type: parallel
    waitFor: first
    steps:
      - agent: echo
        input: a
      - agent: echo
        input: b
  - type: foreach
    name: each
    items: ${input.items}
    maxConcurrency: 2
    breakWhen: ${result.done}
    step:
      agent: echo
      input: ${item}
  - type: while
    condition: state.count < 3
    maxIterations: 5
    steps:
      - agent: expr
        input:
          expression: state.count + 1
        setState:
          count: ${output}
  - type: try
    steps:
      - agent: risky
    catch:
      - agent: echo
        input: ${error.message}
    finally:
      - agent: echo
        input: done
  - type: switch
    value: ${input.kind}
    cases:
      a:
        - agent: echo
          input: A
    default:
      - agent: echo
        input: other
  - type: map-reduce
    items: ${input.items}
    map:
      agent: echo
      input: ${item}
    reduce:
      agent: transform
      input:
        query: add
        data: ${results}
  - type: suspend
    reason: approve ${steps.draft.output}
    ttl: 48h
    when: ${input.review}
output:
  result: ${steps.draft.output}
`

func reviewFlow() *schema.Ensemble {
	return flow.New("review").
		Version("1.0").
		Description("Draft, approve and publish").
		State(map[string]string{"count": "integer"}, map[string]any{"count": 0}).
		Scoring(schema.ScoringConfig{Evaluator: "judge", Threshold: 0.8, MaxRetries: 2}).
		Flow(
			flow.Agent("writer", map[string]any{"topic": "${input.topic}"},
				flow.Named("draft"),
				flow.Scored(schema.ScoringConfig{Threshold: 0.9}),
				flow.Timeout(30*time.Second)),
			flow.Parallel(flow.Steps(flow.Agent("echo", "a"), flow.Agent("echo", "b")),
				flow.WaitFor(schema.WaitFirst)),
			flow.Foreach("${input.items}", flow.Agent("echo", "${item}"),
				flow.Named("each"), flow.MaxConcurrency(2), flow.BreakWhen("${result.done}")),
			flow.While("state.count < 3", flow.Steps(
				flow.Agent("expr", map[string]any{"expression": "state.count + 1"},
					flow.SetState(map[string]any{"count": "${output}"})),
			), flow.MaxIterations(5)),
			flow.Try(
				flow.Steps(flow.Agent("risky", nil)),
				flow.Steps(flow.Agent("echo", "${error.message}")),
				flow.Steps(flow.Agent("echo", "done")),
			),
			flow.Switch("${input.kind}",
				map[string][]schema.FlowStep{"a": flow.Steps(flow.Agent("echo", "A"))},
				flow.Steps(flow.Agent("echo", "other"))),
			flow.MapReduce("${input.items}",
				flow.Agent("echo", "${item}"),
				flow.Agent("transform", map[string]any{"query": "add", "data": "${results}"})),
			flow.Suspend("approve ${steps.draft.output}", flow.TTL(48*time.Hour), flow.When("${input.review}")),
		).
		Output(map[string]any{"result": "${steps.draft.output}"}).
		MustBuild()
}

func TestParseYAML_MatchesFlowBuilder(t *testing.T) {
	ens, err := ParseYAML([]byte(reviewYAML))
	require.NoError(t, err)
	assert.Equal(t, reviewFlow(), ens)
}

func TestParseYAML_NormalizesAgentShorthand(t *testing.T) {
	ens, err := ParseYAML([]byte(`
name: shorthand
flow:
  - type: foreach
    items: [1, 2]
    step:
      agent: echo
  - agent: echo
`))
	require.NoError(t, err)
	assert.Equal(t, schema.StepTypeAgent, ens.Flow[0].Step.Type)
	assert.Equal(t, schema.StepTypeAgent, ens.Flow[1].Type)
	assert.Equal(t, []any{1, 2}, ens.Flow[0].Items)
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		contains string
	}{
		{name: "empty", doc: "", contains: "empty document"},
		{name: "not a mapping", doc: "- a\n- b\n", contains: "<input>:1:1: ensemble must be a mapping"},
		{name: "syntax", doc: "name: [unclosed\n", contains: "<input>"},
		{name: "unknown step type", doc: "name: bad\nflow:\n  - type: teleport\n", contains: "<input>:3:"},
		{name: "missing name", doc: "flow:\n  - agent: echo\n", contains: "<input>:1:1:"},
		{
			name:     "branch without then",
			doc:      "name: semantic\nflow:\n  - agent: echo\n  - type: branch\n    condition: ${input.ok}\n",
			contains: "<input>:4:5: branch step requires then steps",
		},
		{
			name:     "threshold out of range",
			doc:      "name: s\nflow:\n  - agent: w\n    scoring:\n      evaluator: j\n      threshold: 1.5\n",
			contains: "<input>:",
		},
		{
			name:     "nested suspend",
			doc:      "name: s\nflow:\n  - type: try\n    steps:\n      - type: suspend\n",
			contains: "<input>:5:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "got %v", err)
			assert.Contains(t, detailsText(err), tt.contains)
		})
	}
}

func TestParseYAML_IssuePositions(t *testing.T) {
	doc := "name: semantic\nflow:\n  - agent: echo\n  - type: branch\n    condition: ${input.ok}\n"
	_, err := ParseYAML([]byte(doc))
	require.Error(t, err)

	issues, _ := schema.AsEnsembleError(err).Details["errors"].([]schema.ValidationIssue)
	var found bool
	for _, issue := range issues {
		if issue.Path == "flow[1].then" {
			found = true
			assert.Equal(t, 4, issue.Line)
			assert.Equal(t, 5, issue.Column)
		}
	}
	assert.True(t, found, "issues: %v", issues)
}

// detailsText returns the message plus every issue message of a validation error.
func detailsText(err error) string {
	text := err.Error()
	ee := schema.AsEnsembleError(err)
	if issues, ok := ee.Details["errors"].([]schema.ValidationIssue); ok {
		for _, issue := range issues {
			text += "\n" + issue.Message
		}
	}
	return text
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o644))

	ens, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", ens.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\nflow:\n  - type: nope\n"), 0o644))
	_, err = LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, detailsText(err), bad+":3:")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("a.yaml", "name: one\nflow:\n  - agent: echo\n")
	write("b.yml", "name: two\nflow:\n  - agent: echo\n")
	write("c.txt", "not yaml at all: [")
	write("d.yaml", "name: one\nflow:\n  - agent: echo\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	loaded, err := LoadDir(dir)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	require.Len(t, loaded, 2)
	assert.Equal(t, "one", loaded[0].Name)
	assert.Equal(t, "two", loaded[1].Name)

	_, err = LoadDir(filepath.Join(dir, "absent"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestNew_CustomValidatorAndLogger(t *testing.T) {
	l, err := New(WithLogger(nil))
	require.NoError(t, err)
	ens, err := l.Parse([]byte("name: ok\nflow:\n  - agent: echo\n"), "inline.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ok", ens.Name)
}

func TestLoadDir_Examples(t *testing.T) {
	loaded, err := LoadDir(filepath.Join("..", "..", "examples"))
	require.NoError(t, err)

	names := make([]string, len(loaded))
	for i, ens := range loaded {
		names[i] = ens.Name
	}
	assert.Equal(t, []string{"content-review", "polling-retry", "research-fanout"}, names)

	review := loaded[0]
	require.NotNil(t, review.Scoring)
	assert.Equal(t, schema.BackoffExponential, review.Scoring.BackoffStrategy)
	assert.Equal(t, 500*time.Millisecond, review.Scoring.InitialBackoff.Std())
	assert.Equal(t, schema.StepTypeSuspend, review.Flow[1].Type)
	assert.Equal(t, 72*time.Hour, review.Flow[1].TTL.Std())

	fanout := loaded[2]
	assert.Equal(t, schema.StepTypeAgent, fanout.Flow[1].Map.Type)
	assert.Equal(t, 4, fanout.Flow[1].MaxConcurrency)
}
