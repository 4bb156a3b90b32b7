package catalog

import (
	"fmt"
	"strings"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a problem found while loading reference data.
type Issue struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the catalog path of the offending value (e.g., "timelineTemplates.2.phases").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is either error or warning.
	Severity string `json:"severity" validate:"required,oneof=error warning"`
}

func (i Issue) String() string {
	var loc strings.Builder
	if i.File != "" {
		loc.WriteString(i.File)
		if i.Line > 0 {
			fmt.Fprintf(&loc, ":%d:%d", i.Line, i.Column)
		}
		loc.WriteString(": ")
	}
	if i.Path != "" {
		loc.WriteString(i.Path)
		loc.WriteString(": ")
	}
	return loc.String() + i.Message
}

// LoadError is returned when a catalog has error-severity issues.
type LoadError struct {
	Issues []Issue
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		if i.Severity == SeverityError {
			msgs = append(msgs, i.String())
		}
	}
	return fmt.Sprintf("invalid catalog (%d errors): %s", len(msgs), strings.Join(msgs, "; "))
}

func errorsIn(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}
