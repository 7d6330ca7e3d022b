package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

// syncBuffer is a bytes.Buffer safe for the logger and event writer to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func executeWithLogs(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out bytes.Buffer
	var logs syncBuffer
	cmd := newRootCommand(&out, &logs)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), logs.String(), err
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := executeWithLogs(t, args...)
	return out, err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const greetYAML = `
name: greet
flow:
  - agent: echo
    name: hello
    input: hello ${input.name} from ${env.region}
output:
  message: ${hello.output}
`

const publishYAML = `
name: publish
flow:
  - agent: echo
    name: draft
    input: ${input.topic}
  - type: suspend
    reason: review ${draft.output}
  - agent: echo
    name: publish
    input: "${resume.data.note} ${draft.output}"
output:
  published: ${publish.output}
  by: ${resume.approvedBy}
`

func TestRunCommand(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "greet.yaml", greetYAML)

	out, err := execute(t, "run", path, "--store", "memory", "--input", `{"name":"ada"}`, "--env", "region=eu")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, map[string]any{"message": "hello ada from eu"}, res["output"])
}

func TestRunCommand_Watch(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "greet.yaml", greetYAML)

	_, logs, err := executeWithLogs(t, "run", path, "--store", "memory", "--watch", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, logs, `"type":"execution_started"`)
	assert.Contains(t, logs, `"step":"hello","type":"step_completed"`)
	assert.Contains(t, logs, `"type":"execution_completed"`)
}

func TestRunCommand_BadInput(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "greet.yaml", greetYAML)

	_, err := execute(t, "run", path, "--store", "memory", "--input", "{nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = execute(t, "run", path, "--store", "memory", "--env", "novalue")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRunCommand_FailedExecution(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "bad.yaml", `
name: failing
flow:
  - agent: transform
    input:
      query: .[
      data: 1
`)
	out, err := execute(t, "run", path, "--store", "memory")
	require.Error(t, err)
	assert.Contains(t, out, `"status": "failed"`)
}

func TestValidateCommand(t *testing.T) {
	dir := isolateHome(t)
	good := writeFile(t, dir, "greet.yaml", greetYAML)
	bad := writeFile(t, dir, "bad.yaml", "name: bad\nflow:\n  - agent: nobody\n")

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+" (greet, 1 steps)")

	out, err = execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, out, bad+":3:")
	assert.Contains(t, out, "nobody")
}

func TestSuspendApproveResume(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "publish.yaml", publishYAML)

	out, err := execute(t, "run", path, "--input", `{"topic":"go"}`)
	require.NoError(t, err)
	var suspended map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &suspended))
	require.Equal(t, "suspended", suspended["status"])
	token, _ := suspended["token"].(string)
	require.NotEmpty(t, token)

	out, err = execute(t, "status", token)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	assert.Equal(t, "pending", meta["status"])
	assert.Equal(t, "review go", meta["reason"])

	_, err = execute(t, "resume", token)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSuspensionPending))

	out, err = execute(t, "approve", token, "--actor", "alice", "--data", `{"note":"ok"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "approved "+token)

	out, err = execute(t, "resume", token)
	require.NoError(t, err)
	var done map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &done))
	assert.Equal(t, "completed", done["status"])
	assert.Equal(t, map[string]any{"published": "ok go", "by": "alice"}, done["output"])

	_, err = execute(t, "status", token)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRejectAndCancel(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "publish.yaml", publishYAML)

	tokenOf := func() string {
		out, err := execute(t, "run", path, "--input", `{"topic":"x"}`)
		require.NoError(t, err)
		var res map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res["token"].(string)
	}

	rejected := tokenOf()
	_, err := execute(t, "reject", rejected, "--actor", "bob", "--reason", "off topic")
	require.NoError(t, err)
	out, err := execute(t, "resume", rejected)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSuspensionRejected))
	assert.Contains(t, out, "off topic")

	cancelled := tokenOf()
	out, err = execute(t, "cancel", cancelled)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled "+cancelled)
	_, err = execute(t, "status", cancelled)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSweepCommand(t *testing.T) {
	isolateHome(t)
	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 expired suspensions")

	_, err = execute(t, "sweep", "--daemon", "--schedule", "not a cron spec")
	assert.Error(t, err)
}

func TestDiagramCommand(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "publish.yaml", publishYAML)

	out, err := execute(t, "diagram", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, `s0["draft: echo"]`)
	assert.Contains(t, out, `s1(["suspend: review ${draft.output}"])`)
	assert.NotContains(t, out, "class s0")

	out, err = execute(t, "run", path, "--input", `{"topic":"go"}`)
	require.NoError(t, err)
	var suspended map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &suspended))
	token, _ := suspended["token"].(string)
	require.NotEmpty(t, token)

	out, err = execute(t, "diagram", "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "class s0 completed")
	assert.Contains(t, out, "class s1 suspended")
	assert.NotContains(t, out, "class s2")

	_, err = execute(t, "diagram")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = execute(t, "diagram", "--token", "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEventsCommand(t *testing.T) {
	dir := isolateHome(t)
	path := writeFile(t, dir, "greet.yaml", greetYAML)

	out, err := execute(t, "run", path, "--input", `{"name":"ada"}`, "--env", "region=eu")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	id, _ := res["execution_id"].(string)
	require.NotEmpty(t, id)

	out, err = execute(t, "events", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	var first, last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, float64(1), first["sequence"])
	assert.Equal(t, "execution_started", first["type"])
	assert.Equal(t, "greet", first["ensemble"])
	assert.Equal(t, "execution_completed", last["type"])

	out, err = execute(t, "events", id, "--since", "3")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	out, err = execute(t, "events", id, "--trace")
	require.NoError(t, err)
	var tr map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	assert.Equal(t, "completed", tr["status"])
	steps, _ := tr["steps"].(map[string]any)
	hello, _ := steps["hello"].(map[string]any)
	assert.Equal(t, "completed", hello["status"])

	_, err = execute(t, "events", "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = execute(t, "--store", "memory", "events", id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
