package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rendis/ensemble/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"
)

//go:embed ensemble.schema.json
var ensembleSchemaDoc []byte

const ensembleSchemaURL = "https://ensemble.dev/schemas/ensemble.json"

// JSONSchemaValidator checks ensemble documents against the built-in
// Draft 2020-12 schema and arbitrary values against caller schemas. Caller
// schemas are compiled once per distinct text. Safe for concurrent use.
type JSONSchemaValidator struct {
	ensembleSchema *jsonschema.Schema

	compiled sync.Map // schema text -> *jsonschema.Schema
	inflight singleflight.Group
	seq      atomic.Int64
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiled, err := compileSchema(ensembleSchemaURL, ensembleSchemaDoc)
	if err != nil {
		return nil, fmt.Errorf("ensemble schema: %w", err)
	}
	return &JSONSchemaValidator{ensembleSchema: compiled}, nil
}

// ValidateDocument validates a raw decoded ensemble document.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "ensemble document is not JSON-compatible").WithCause(err)
	}
	return violationError(v.ensembleSchema.Validate(value))
}

// ValidateEnsemble validates the serialized form of ens.
func (v *JSONSchemaValidator) ValidateEnsemble(ens *schema.Ensemble) error {
	if ens == nil {
		return schema.NewError(schema.ErrCodeValidation, "ensemble is nil")
	}
	return v.ValidateDocument(ens)
}

// ValidateValue validates value against valueSchema. An empty schema accepts
// everything; a schema that does not compile fails with "invalid schema".
func (v *JSONSchemaValidator) ValidateValue(value any, valueSchema []byte) error {
	if len(valueSchema) == 0 {
		return nil
	}
	compiled, err := v.schemaFor(valueSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON-compatible").WithCause(err)
	}
	return violationError(compiled.Validate(doc))
}

func (v *JSONSchemaValidator) schemaFor(text []byte) (*jsonschema.Schema, error) {
	key := string(text)
	if s, ok := v.compiled.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err, _ := v.inflight.Do(key, func() (any, error) {
		url := fmt.Sprintf("ensemble://values/%d.json", v.seq.Add(1))
		s, err := compileSchema(url, text)
		if err != nil {
			return nil, err
		}
		v.compiled.Store(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return s.(*jsonschema.Schema), nil
}

// cachedSchemas counts the compiled caller schemas.
func (v *JSONSchemaValidator) cachedSchemas() int {
	n := 0
	v.compiled.Range(func(any, any) bool { n++; return true })
	return n
}

func compileSchema(url string, text []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// toJSONValue re-decodes v with the library's decoder so numbers arrive as
// json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// violationError flattens a validation failure into a VALIDATION_ERROR whose
// details list every leaf violation as "/instance/path: message".
func violationError(err error) error {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	var violations []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		violations = append(violations, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
	}
	walk(verr)

	msg := verr.Error()
	switch len(violations) {
	case 0:
		violations = []string{msg}
	case 1:
		msg = violations[0]
	default:
		msg = fmt.Sprintf("%d schema violations, first: %s", len(violations), violations[0])
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}
