// Package loader reads YAML ensemble documents into schema.Ensemble values.
// Every document is validated against the ensemble JSON Schema and then
// checked semantically; issues are reported with their YAML line and column.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Loader parses and validates ensemble documents.
type Loader struct {
	validator *validation.EnsembleValidator
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithValidator replaces the default validator, e.g. with one that also
// checks agent names against a registry.
func WithValidator(v *validation.EnsembleValidator) Option {
	return func(l *Loader) { l.validator = v }
}

// WithLogger sets the logger validation warnings are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader. Without WithValidator, agent names are not checked
// and bare conditions are compiled with CEL.
func New(opts ...Option) (*Loader, error) {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.validator == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		v, err := validation.NewEnsembleValidator(nil, cel)
		if err != nil {
			return nil, err
		}
		l.validator = v
	}
	return l, nil
}

var defaultLoader = sync.OnceValues(func() (*Loader, error) { return New() })

// ParseYAML parses one document with the default loader.
func ParseYAML(data []byte) (*schema.Ensemble, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.Parse(data, "")
}

// LoadFile loads one file with the default loader.
func LoadFile(path string) (*schema.Ensemble, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.LoadFile(path)
}

// LoadDir loads every .yaml and .yml file in dir with the default loader.
func LoadDir(dir string) ([]*schema.Ensemble, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.LoadDir(dir)
}

// Parse decodes and validates one YAML document. source names the document
// in error messages and may be empty.
func (l *Loader) Parse(data []byte, source string) (*schema.Ensemble, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", label(source), err.Error()).WithCause(err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: empty document", label(source))
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s:%d:%d: ensemble must be a mapping",
			label(source), doc.Line, doc.Column)
	}
	positions := make(map[string]position)
	indexPositions(doc, "", positions)

	var raw any
	if err := doc.Decode(&raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", label(source), err.Error()).WithCause(err)
	}
	if res := l.validator.ValidateDocument(stringKeys(raw)); !res.Valid() {
		return nil, annotate(res, source, positions).ToError()
	}

	var ens schema.Ensemble
	if err := doc.Decode(&ens); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", label(source), err.Error()).WithCause(err)
	}
	normalizeSteps(ens.Flow)

	res := l.validator.Validate(&ens)
	annotate(res, source, positions)
	for _, w := range res.Warnings {
		l.logger.Warn("ensemble validation warning",
			slog.String("ensemble", ens.Name),
			slog.String("path", w.Path),
			slog.String("message", w.Message))
	}
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return &ens, nil
}

// LoadFile reads and parses path.
func (l *Loader) LoadFile(path string) (*schema.Ensemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read %s: %s", path, err.Error()).WithCause(err)
	}
	return l.Parse(data, path)
}

// LoadDir loads every .yaml and .yml file directly inside dir, in name
// order. Files that fail are reported together; the ensembles that loaded
// are still returned. Two files declaring the same name fail with CONFLICT.
func (l *Loader) LoadDir(dir string) ([]*schema.Ensemble, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read %s: %s", dir, err.Error()).WithCause(err)
	}

	var (
		loaded []*schema.Ensemble
		errs   []error
		seen   = make(map[string]string)
	)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		ens, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[ens.Name]; dup {
			errs = append(errs, schema.NewErrorf(schema.ErrCodeConflict,
				"ensemble %q is defined in both %s and %s", ens.Name, prev, path))
			continue
		}
		seen[ens.Name] = path
		loaded = append(loaded, ens)
	}
	return loaded, errors.Join(errs...)
}

func label(source string) string {
	if source == "" {
		return "<input>"
	}
	return source
}

// normalizeSteps gives untyped agent shorthand steps their explicit type so
// YAML and pkg/flow definitions compare equal.
func normalizeSteps(steps []schema.FlowStep) {
	for i := range steps {
		normalizeStep(&steps[i])
	}
}

func normalizeStep(s *schema.FlowStep) {
	if s.Type == "" && s.Agent != "" {
		s.Type = schema.StepTypeAgent
	}
	normalizeSteps(s.Steps)
	normalizeSteps(s.Then)
	normalizeSteps(s.Else)
	normalizeSteps(s.Default)
	normalizeSteps(s.Catch)
	normalizeSteps(s.Finally)
	for _, c := range s.Cases {
		normalizeSteps(c)
	}
	for _, nested := range []*schema.FlowStep{s.Step, s.Map, s.Reduce} {
		if nested != nil {
			normalizeStep(nested)
		}
	}
}

// stringKeys converts YAML maps with non-string keys into JSON objects.
func stringKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = stringKeys(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = stringKeys(item)
		}
		return val
	default:
		return v
	}
}

// --- positions ---

type position struct {
	line, column int
}

// indexPositions records the position of every node under its JSON pointer.
// Mapping entries point at their key.
func indexPositions(n *yaml.Node, ptr string, out map[string]position) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if _, ok := out[pointerKey(ptr)]; !ok {
		out[pointerKey(ptr)] = position{n.Line, n.Column}
	}
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			child := ptr + "/" + key.Value
			out[child] = position{key.Line, key.Column}
			indexPositions(val, child, out)
		}
	case yaml.SequenceNode:
		for i, item := range n.Content {
			indexPositions(item, fmt.Sprintf("%s/%d", ptr, i), out)
		}
	}
}

func pointerKey(ptr string) string {
	if ptr == "" {
		return "/"
	}
	return ptr
}

var (
	structuralPath = regexp.MustCompile(`^(/[^:\s]*): `)
	indexSegment   = regexp.MustCompile(`\[(\d+)\]`)
)

// toPointer converts a semantic issue path (flow[0].steps[1].agent) or a
// structural message prefix (/flow/0/type: ...) to a JSON pointer.
func toPointer(issue schema.ValidationIssue) string {
	if m := structuralPath.FindStringSubmatch(issue.Message); m != nil {
		return m[1]
	}
	if issue.Path == "" || issue.Path == "/" {
		return "/"
	}
	p := indexSegment.ReplaceAllString(issue.Path, ".$1")
	return "/" + strings.ReplaceAll(p, ".", "/")
}

// locate finds the closest recorded ancestor of ptr.
func locate(ptr string, positions map[string]position) (position, bool) {
	for {
		if pos, ok := positions[ptr]; ok {
			return pos, true
		}
		i := strings.LastIndexByte(ptr, '/')
		if i <= 0 {
			pos, ok := positions["/"]
			return pos, ok
		}
		ptr = ptr[:i]
	}
}

// annotate records the YAML position of every issue and prefixes its
// message with source:line:column.
func annotate(res *schema.ValidationResult, source string, positions map[string]position) *schema.ValidationResult {
	prefix := func(issues []schema.ValidationIssue) {
		for i := range issues {
			pos, ok := locate(toPointer(issues[i]), positions)
			if !ok {
				continue
			}
			issues[i].Line, issues[i].Column = pos.line, pos.column
			issues[i].Message = fmt.Sprintf("%s:%d:%d: %s", label(source), pos.line, pos.column, issues[i].Message)
		}
	}
	prefix(res.Errors)
	prefix(res.Warnings)
	return res
}
