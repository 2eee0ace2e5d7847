package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// ErrCodeViolation marks a deployment rejected by an error-severity rule.
const ErrCodeViolation = "POLICY_VIOLATION"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block a build.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the build.
	SeverityError Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Policy is a Rego module whose deny set yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Subject  string   `json:"subject,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Subject == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Subject, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Violations  []Violation   `json:"violations,omitempty"`
	Evaluated   []string      `json:"evaluated"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Errors returns the blocking violations.
func (r *Result) Errors() []Violation {
	return r.filter(SeverityError)
}

// Warnings returns the non-blocking warnings.
func (r *Result) Warnings() []Violation {
	return r.filter(SeverityWarning)
}

// Allowed reports whether no error-severity violation was found.
func (r *Result) Allowed() bool {
	return len(r.Errors()) == 0
}

// Err returns a validation error listing every blocking violation, or nil.
func (r *Result) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, v := range errs {
		msgs = append(msgs, v.String())
	}
	return engine.NewValidationError(
		fmt.Sprintf("deployment rejected by %d policy violation(s): %s", len(errs), strings.Join(msgs, "; ")),
		nil,
	).WithCode(ErrCodeViolation)
}

func (r *Result) filter(sev Severity) []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}
