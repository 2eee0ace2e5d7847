package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the per-run state of an artifact node.
type Status string

const (
	// StatusPending indicates the node has not been dispatched yet.
	StatusPending Status = "pending"

	// StatusBuilding indicates a worker owns the node.
	StatusBuilding Status = "building"

	// StatusDone indicates the node's outputs exist and match the manifest.
	StatusDone Status = "done"

	// StatusFailed indicates the node failed or was not attempted.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status is final for the run.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusBuilding, StatusDone, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid artifact status: %s", s)
	}
}

// validTransitions lists the allowed status changes. Pending may go straight
// to Failed only when the node is skipped (dependency failure or halt).
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusDone, StatusFailed},
}

// CanTransition reports whether a node may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// RunStatus is the overall outcome of a build run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every requested artifact is Done.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no requested artifact reached Done.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some artifacts failed and some succeeded.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the caller cancelled the run.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
