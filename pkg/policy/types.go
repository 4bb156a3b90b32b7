package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational and never blocks a commit.
	SeverityInfo Severity = "info"
	// SeverityWarning should be reviewed but does not block a commit.
	SeverityWarning Severity = "warning"
	// SeverityError blocks the commit.
	SeverityError Severity = "error"
	// SeverityCritical blocks the commit.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the commit.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a Rego policy gating challenge commits.
type Policy struct {
	// Name is the unique identifier for the policy.
	Name string `json:"name" yaml:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description" yaml:"description"`

	// Rego is the policy source. It must define a deny set in its package.
	Rego string `json:"rego" yaml:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Statuses restricts evaluation to commits targeting these statuses. Empty means all.
	Statuses []engine.Status `json:"statuses,omitempty" yaml:"statuses,omitempty"`

	// Tags are used for categorization and filtering.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// AppliesTo reports whether the policy is evaluated for a commit targeting status.
func (p *Policy) AppliesTo(status engine.Status) bool {
	if len(p.Statuses) == 0 {
		return true
	}
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Violation is a single deny entry produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Message is the human-readable description.
	Message string `json:"message"`

	Severity Severity `json:"severity"`

	// Field names the challenge field at fault, when the policy reports one.
	Field string `json:"field,omitempty"`
}

// Result is the outcome of evaluating all applicable policies for one commit.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations holds error and critical violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds info and warning violations plus evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran, in name order.
	Evaluated []string `json:"evaluated"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Challenge engine.Challenge `json:"challenge"`
	Context   Context          `json:"context"`
}

// Context describes the commit being evaluated.
type Context struct {
	// Operation is "launch" for Active commits and "save_draft" otherwise.
	Operation string `json:"operation"`

	// Status is the status the commit targets.
	Status engine.Status `json:"status"`

	// Timestamp is the evaluation time in RFC 3339.
	Timestamp string `json:"timestamp"`
}

// Bundle is a JSON collection of policies loaded together.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// DeniedError is returned by EvaluateCommit when blocking violations were found.
type DeniedError struct {
	Status     engine.Status
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("%s commit denied: %s", e.Status, strings.Join(msgs, "; "))
}

func operationFor(status engine.Status) string {
	if status == engine.StatusActive {
		return "launch"
	}
	return "save_draft"
}
