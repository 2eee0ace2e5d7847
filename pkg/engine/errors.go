package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a failure so callers can map it to an exit status
// and decide whether anything was written.
type ErrorClass string

const (
	// ErrorClassValidation marks a graph or deployment that was rejected before
	// any work started: unknown dependency, duplicate identifier, bad target.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassCycle marks a dependency cycle. It is reported before any write.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassGeneration marks a generator that could not produce its outputs.
	ErrorClassGeneration ErrorClass = "generation"

	// ErrorClassIO marks a filesystem or manifest failure.
	ErrorClassIO ErrorClass = "io"

	// ErrorClassDependency marks an artifact that was not attempted because
	// something it depends on failed.
	ErrorClassDependency ErrorClass = "dependency"

	// ErrorClassConfig marks a configuration template that references a
	// parameter, secret or certificate it was not given.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassConcurrentRun marks a second build against an output root that
	// is already locked by another run.
	ErrorClassConcurrentRun ErrorClass = "concurrent_run"

	// ErrorClassHalted marks an artifact that was not scheduled because the
	// run stopped early (fail-fast or cancellation).
	ErrorClassHalted ErrorClass = "halted"
)

// EngineError is a classified error carrying the artifact it concerns.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Artifact is the artifact identifier the error concerns, if any.
	Artifact string `json:"artifact,omitempty"`

	// Path is the output path involved, if any.
	Path string `json:"path,omitempty"`

	// Chain lists artifact identifiers from the failing origin to this
	// artifact for dependency errors, or the cycle members for cycle errors.
	Chain []string `json:"chain,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Class))
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Artifact != "" {
		fmt.Fprintf(&sb, " (artifact=%s", e.Artifact)
		if e.Path != "" {
			fmt.Fprintf(&sb, ", path=%s", e.Path)
		}
		sb.WriteString(")")
	} else if e.Path != "" {
		fmt.Fprintf(&sb, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Code: ErrCodeValidation, Err: err}
}

// NewCycleError creates a cycle error listing the members of the cycle.
func NewCycleError(cycle []string) *EngineError {
	return &EngineError{
		Class:   ErrorClassCycle,
		Message: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
		Code:    ErrCodeCycle,
		Chain:   cycle,
	}
}

// NewGenerationError creates a new generation error.
func NewGenerationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassGeneration, Message: message, Code: ErrCodeGeneratorFailed, Err: err}
}

// NewIOError creates a new I/O error.
func NewIOError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassIO, Message: message, Code: ErrCodeIO, Err: err}
}

// NewDependencyError creates an error for an artifact skipped because origin failed.
func NewDependencyError(origin string, chain []string) *EngineError {
	return &EngineError{
		Class:   ErrorClassDependency,
		Message: fmt.Sprintf("dependency %s failed", origin),
		Code:    ErrCodeDependencyFailed,
		Chain:   chain,
	}
}

// NewConfigError creates a new configuration rendering error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfig, Message: message, Code: ErrCodeMissingReference, Err: err}
}

// NewConcurrentRunError reports that holder already owns the output root lock.
func NewConcurrentRunError(path, holder string) *EngineError {
	msg := "output root is locked by another run"
	if holder != "" {
		msg = fmt.Sprintf("output root is locked by run %s", holder)
	}
	return &EngineError{Class: ErrorClassConcurrentRun, Message: msg, Code: ErrCodeLocked, Path: path}
}

// NewHaltedError creates an error for an artifact left unscheduled.
func NewHaltedError(reason string, err error) *EngineError {
	return &EngineError{Class: ErrorClassHalted, Message: reason, Code: ErrCodeHalted, Err: err}
}

// WithArtifact adds artifact context to an error.
func (e *EngineError) WithArtifact(id string) *EngineError {
	e.Artifact = id
	return e
}

// WithPath adds output path context to an error.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// ClassOf returns the class of the first EngineError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func isClass(err error, class ErrorClass) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return isClass(err, ErrorClassValidation) }

// IsCycle returns true if the error is a cycle error.
func IsCycle(err error) bool { return isClass(err, ErrorClassCycle) }

// IsGeneration returns true if the error is a generation error.
func IsGeneration(err error) bool { return isClass(err, ErrorClassGeneration) }

// IsIO returns true if the error is an I/O error.
func IsIO(err error) bool { return isClass(err, ErrorClassIO) }

// IsDependency returns true if the error is a dependency error.
func IsDependency(err error) bool { return isClass(err, ErrorClassDependency) }

// IsConfig returns true if the error is a configuration rendering error.
func IsConfig(err error) bool { return isClass(err, ErrorClassConfig) }

// IsConcurrentRun returns true if the output root was locked by another run.
func IsConcurrentRun(err error) bool { return isClass(err, ErrorClassConcurrentRun) }

// IsHalted returns true if the artifact was left unscheduled.
func IsHalted(err error) bool { return isClass(err, ErrorClassHalted) }

// Process exit statuses.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitGeneration = 3
	ExitConcurrent = 4
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	class, ok := ClassOf(err)
	if !ok {
		return ExitFailure
	}
	switch class {
	case ErrorClassValidation, ErrorClassCycle:
		return ExitValidation
	case ErrorClassConcurrentRun:
		return ExitConcurrent
	default:
		return ExitGeneration
	}
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownArtifact  = "UNKNOWN_ARTIFACT"
	ErrCodeDuplicate        = "DUPLICATE_ARTIFACT"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeGeneratorFailed  = "GENERATOR_FAILED"
	ErrCodeIO               = "IO_ERROR"
	ErrCodePermission       = "PERMISSION_MISMATCH"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeMissingReference = "MISSING_REFERENCE"
	ErrCodeLocked           = "OUTPUT_ROOT_LOCKED"
	ErrCodeHalted           = "HALTED"
	ErrCodeManifest         = "MANIFEST_ERROR"
)

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
