// Package logging carries execution correlation values through
// context.Context and attaches them to slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepKey
	agentKey
	tokenKey
)

// correlationFields lists the context keys and the attribute names they are
// logged under, in output order.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{stepKey, "step"},
	{agentKey, "agent"},
	{tokenKey, "token"},
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStep returns a context with the current step name set.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithAgent returns a context with the invoked agent name set.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// WithToken returns a context with the resumption token set.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string { return value(ctx, stepKey) }

// Agent extracts the agent name from the context, or "" if absent.
func Agent(ctx context.Context) string { return value(ctx, agentKey) }

// Token extracts the resumption token from the context, or "" if absent.
func Token(ctx context.Context) string { return value(ctx, tokenKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// attrs returns the non-empty correlation values of ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := value(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation values of ctx.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting the correlation values
// of the record's context. Callers log with logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// NewLogger builds a correlation-aware logger writing text or json records.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps debug|info|warn|error to an slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
