package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in an ensemble definition. Path uses
// the flow notation (flow[0].steps[1].agent); Line and Column are set when
// the definition was loaded from YAML.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
	Line     int                `json:"line,omitempty"`
	Column   int                `json:"column,omitempty"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of a load-time check. Only errors make
// an ensemble unusable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(SeverityError, path, code, message))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(SeverityWarning, path, code, message))
}

func newIssue(sev ValidationSeverity, path, code, message string) ValidationIssue {
	return ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Summary renders every error, one per line.
func (r *ValidationResult) Summary() string {
	lines := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		lines[i] = issue.String()
	}
	return strings.Join(lines, "\n")
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR whose
// details carry the issues under "errors" and "warnings".
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%d errors, first: %s", n, msg)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
