package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned by a Manifest when no entry exists.
var ErrNotFound = errors.New("manifest entry not found")

// ManifestEntry records the last successful build of an artifact.
type ManifestEntry struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Status           Status    `json:"status"`
	Fingerprint      string    `json:"fingerprint"`
	InputFingerprint string    `json:"input_fingerprint"`
	Outputs          []string  `json:"outputs"`
	RunID            string    `json:"run_id"`
	BuiltAt          time.Time `json:"built_at"`
}

// RunRecord is the persisted summary of a run that did work.
type RunRecord struct {
	ID          string    `json:"id"`
	Status      RunStatus `json:"status"`
	Targets     []string  `json:"targets"`
	Built       int       `json:"built"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	UpToDate    int       `json:"up_to_date"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Manifest persists per-artifact fingerprints between runs. It is only
// ever written from the orchestrator's coordinating goroutine.
type Manifest interface {
	// Get returns the entry for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ManifestEntry, error)

	// Put stores or replaces an entry.
	Put(ctx context.Context, entry *ManifestEntry) error

	// Delete removes an entry. Missing entries are not an error.
	Delete(ctx context.Context, id string) error

	// List returns every entry sorted by identifier.
	List(ctx context.Context) ([]*ManifestEntry, error)

	// Reset removes every entry.
	Reset(ctx context.Context) error

	// RecordRun stores a run summary.
	RecordRun(ctx context.Context, run *RunRecord) error
}

// ContentFingerprint hashes the outputs of an artifact in declaration order.
func ContentFingerprint(outputs []Output, contents map[string][]byte) string {
	h := sha256.New()
	for _, out := range outputs {
		data := contents[out.Path]
		h.Write([]byte(out.Path))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatUint(uint64(out.Perm), 8)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(len(data))))
		h.Write([]byte{0})
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InputFingerprint hashes what an artifact was built from: its own recipe
// and the content fingerprints of its dependencies, in declared order.
func InputFingerprint(a *Artifact, depFingerprints map[string]string) string {
	h := sha256.New()
	h.Write([]byte(a.ID))
	h.Write([]byte{0})
	h.Write([]byte(a.Kind))
	h.Write([]byte{0})
	h.Write([]byte(a.Recipe))
	h.Write([]byte{0})
	for _, dep := range a.Dependencies {
		h.Write([]byte(dep))
		h.Write([]byte{'='})
		h.Write([]byte(depFingerprints[dep]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
