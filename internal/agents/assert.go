package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Assertion checks understood by AssertAgent.
const (
	CheckEquals   = "equals"
	CheckContains = "contains"
	CheckMatches  = "matches"
	CheckSchema   = "schema"
)

// AssertAgent fails with ASSERTION_FAILED when a check does not hold, which
// lets flows guard data with try/catch or feed it to a scoring evaluator.
//
// Config: check (equals|contains|matches|schema) plus
//   - equals:   expected, actual
//   - contains: haystack (string or list), needle
//   - matches:  value, pattern
//   - schema:   data, schema (JSON Schema object)
//
// and an optional message replacing the default failure text.
type AssertAgent struct {
	once      sync.Once
	validator *validation.JSONSchemaValidator
	initErr   error
}

func (a *AssertAgent) Name() string { return "assert" }

func (a *AssertAgent) Description() string {
	return "Check a value and fail the step when the check does not hold."
}

func (a *AssertAgent) Execute(_ context.Context, in Input) (*schema.AgentResult, error) {
	params := in.Params()
	check := stringParam(params, "check", "")

	var (
		pass bool
		data = map[string]any{"pass": true}
		err  error
	)
	switch check {
	case CheckEquals:
		if err = requireParams(params, CheckEquals, "expected", "actual"); err == nil {
			pass = reflect.DeepEqual(normalizeJSON(params["expected"]), normalizeJSON(params["actual"]))
		}
	case CheckContains:
		if err = requireParams(params, CheckContains, "haystack", "needle"); err == nil {
			pass, err = contains(params["haystack"], params["needle"])
		}
	case CheckMatches:
		pass, data, err = matches(params)
	case CheckSchema:
		if err = requireParams(params, CheckSchema, "data", "schema"); err == nil {
			pass, err = a.conforms(params["data"], params["schema"])
		}
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation,
			"assert: unknown check %q (want equals, contains, matches or schema)", check)
	}
	if err != nil {
		return nil, err
	}
	if !pass {
		msg := stringParam(params, "message", "assertion failed: "+check)
		return schema.Failed(schema.ErrCodeAssertionFailed, msg), nil
	}
	return schema.Succeeded(data), nil
}

func (a *AssertAgent) conforms(data, schemaObj any) (bool, error) {
	a.once.Do(func() {
		a.validator, a.initErr = validation.NewJSONSchemaValidator()
	})
	if a.initErr != nil {
		return false, a.initErr
	}
	raw, err := json.Marshal(schemaObj)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "assert: schema is not JSON: %s", err)
	}
	err = a.validator.ValidateValue(data, raw)
	if err == nil {
		return true, nil
	}
	if ee := schema.AsEnsembleError(err); ee.Message == "invalid schema" {
		return false, ee
	}
	return false, nil
}

func requireParams(params map[string]any, check string, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "assert %s requires '%s'", check, k)
		}
	}
	return nil
}

func contains(haystack, needle any) (bool, error) {
	switch hs := haystack.(type) {
	case string:
		return strings.Contains(hs, fmt.Sprintf("%v", needle)), nil
	case []any:
		n := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), n) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"assert contains: haystack must be a string or list, got %T", haystack)
	}
}

func matches(params map[string]any) (bool, map[string]any, error) {
	value, ok := params["value"].(string)
	if !ok {
		return false, nil, schema.NewError(schema.ErrCodeValidation, "assert matches requires a 'value' string")
	}
	pattern, ok := params["pattern"].(string)
	if !ok {
		return false, nil, schema.NewError(schema.ErrCodeValidation, "assert matches requires a 'pattern' string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, nil, schema.NewErrorf(schema.ErrCodeValidation, "assert matches: invalid pattern: %s", err)
	}
	loc := re.FindStringIndex(value)
	if loc == nil {
		return false, nil, nil
	}
	return true, map[string]any{"pass": true, "match": value[loc[0]:loc[1]]}, nil
}

// normalizeJSON converts Go numeric types to float64 so values built in Go
// compare equal to values decoded from JSON or YAML.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
