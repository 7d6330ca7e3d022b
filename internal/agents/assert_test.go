package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func runAssert(t *testing.T, config map[string]any) *schema.AgentResult {
	t.Helper()
	res, err := builtinAdapter(t).Invoke(context.Background(), Call{Agent: "assert", Config: config})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestAssertAgent(t *testing.T) {
	objectSchema := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id": map[string]any{"type": "integer"},
		},
	}

	tests := []struct {
		name   string
		config map[string]any
		pass   bool
	}{
		{"equals numbers across types", map[string]any{"check": "equals", "expected": 3, "actual": 3.0}, true},
		{"equals nested", map[string]any{"check": "equals",
			"expected": map[string]any{"a": []any{1, "x"}},
			"actual":   map[string]any{"a": []any{1.0, "x"}}}, true},
		{"equals mismatch", map[string]any{"check": "equals", "expected": "a", "actual": "b"}, false},
		{"contains substring", map[string]any{"check": "contains", "haystack": "hello world", "needle": "lo w"}, true},
		{"contains list item", map[string]any{"check": "contains", "haystack": []any{1.0, 2.0}, "needle": 2}, true},
		{"contains missing", map[string]any{"check": "contains", "haystack": []any{"a"}, "needle": "b"}, false},
		{"matches", map[string]any{"check": "matches", "value": "order-42", "pattern": `\d+`}, true},
		{"matches empty pattern", map[string]any{"check": "matches", "value": "abc", "pattern": ``}, true},
		{"matches miss", map[string]any{"check": "matches", "value": "order", "pattern": `\d+`}, false},
		{"schema ok", map[string]any{"check": "schema", "data": map[string]any{"id": 7}, "schema": objectSchema}, true},
		{"schema violation", map[string]any{"check": "schema", "data": map[string]any{"id": "x"}, "schema": objectSchema}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runAssert(t, tt.config)
			assert.Equal(t, tt.pass, res.Success, res.Error)
			if !tt.pass {
				assert.Equal(t, schema.ErrCodeAssertionFailed, res.Code)
			}
		})
	}
}

func TestAssertAgent_MatchOutput(t *testing.T) {
	res := runAssert(t, map[string]any{"check": "matches", "value": "order-42", "pattern": `\d+`})
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"pass": true, "match": "42"}, res.Data)
}

func TestAssertAgent_CustomMessage(t *testing.T) {
	res := runAssert(t, map[string]any{
		"check": "equals", "expected": 1, "actual": 2, "message": "totals differ",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "totals differ", res.Error)
}

func TestAssertAgent_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{"unknown check", map[string]any{"check": "bigger"}},
		{"missing actual", map[string]any{"check": "equals", "expected": 1}},
		{"bad haystack", map[string]any{"check": "contains", "haystack": 5, "needle": 5}},
		{"bad pattern", map[string]any{"check": "matches", "value": "x", "pattern": "("}},
		{"invalid schema", map[string]any{"check": "schema", "data": 1, "schema": map[string]any{"type": 12}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runAssert(t, tt.config)
			assert.False(t, res.Success)
			assert.Equal(t, schema.ErrCodeValidation, res.Code)
		})
	}
}
