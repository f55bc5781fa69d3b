package policy

import (
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged and reported but does not exclude the module.
	SeverityWarning Severity = "warning"

	// SeverityError excludes the module from the registry.
	SeverityError Severity = "error"

	// SeverityCritical is treated like SeverityError.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. The policy reports violations
	// through a "deny" set rule in its package.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	Enabled bool     `json:"enabled" yaml:"enabled"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Violation is one policy finding against a module.
type Violation struct {
	Policy   string   `json:"policy"`
	ModuleID string   `json:"module_id,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// Result represents the result of evaluating all enabled policies against
// one module.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation failures. They never block admission.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that deny admission.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Module  *module.Descriptor `json:"module"`
	Context *Context           `json:"context"`
}

// Context provides host information for policy evaluation.
type Context struct {
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	Environment string    `json:"environment,omitempty"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
}
