package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block provisioning.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block provisioning.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("invalid severity: %s", s)
	}
}

// Policy represents a policy rule with its Rego code. The module must
// define a deny set; each element is a message string or an object with
// message and optional severity.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with the control plane.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ResourceID is the resource that violated the policy.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They do not block.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Summary joins the blocking violation messages.
func (r *Result) Summary() string {
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Input is the document policies see as input.
type Input struct {
	// Operation is the operation being admitted, e.g. "create".
	Operation string `json:"operation"`

	// Resource is the resource being evaluated, including its project.
	Resource *engine.Resource `json:"resource"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// DeniedError reports the blocking violations of a denied resource.
type DeniedError struct {
	ResourceID string
	Result     *Result
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("resource %s denied by policy: %s", e.ResourceID, e.Result.Summary())
}

// IsDenied reports whether err carries a policy denial.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}
