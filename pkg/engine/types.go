package engine

import (
	"context"
	"io/fs"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an artifact. Kinds double as group aliases.
type Kind string

const (
	KindSecret   Kind = "secret"
	KindCA       Kind = "ca"
	KindCert     Kind = "cert"
	KindUser     Kind = "user"
	KindConfig   Kind = "config"
	KindTopology Kind = "topology"
)

// Group returns the group alias an artifact of this kind belongs to.
func (k Kind) Group() string {
	switch k {
	case KindSecret:
		return GroupSecrets
	case KindCA, KindCert:
		return GroupCerts
	case KindUser:
		return GroupUsers
	case KindConfig, KindTopology:
		return GroupConfigs
	default:
		return ""
	}
}

// Group aliases accepted as build targets.
const (
	GroupAll     = "all"
	GroupSecrets = "secrets"
	GroupCerts   = "certs"
	GroupUsers   = "users"
	GroupConfigs = "configs"
)

// Output permissions.
const (
	// PermPrivate is used for secrets, private keys and passphrases.
	PermPrivate fs.FileMode = 0o400

	// PermPublic is used for certificates, public keys and configuration.
	PermPublic fs.FileMode = 0o644
)

// Output is one file an artifact produces, relative to the output root.
type Output struct {
	Path string      `json:"path"`
	Perm fs.FileMode `json:"perm"`
}

// Private reports whether the output must be owner-readable only.
func (o Output) Private() bool {
	return o.Perm&0o077 == 0
}

// Generator produces the contents of every declared output of an artifact.
// The returned map is keyed by output path. Generators never write to the
// output root themselves; publishing is done by the orchestrator.
type Generator func(ctx context.Context, bc *BuildContext) (map[string][]byte, error)

// Artifact is a node of the build graph.
type Artifact struct {
	// ID is the unique identifier, e.g. "secrets/db.lega" or "certs/ingest".
	ID string

	// Kind classifies the artifact.
	Kind Kind

	// Dependencies are the identifiers this artifact reads from.
	Dependencies []string

	// Outputs are the files this artifact owns.
	Outputs []Output

	// Recipe is a stable description of the generation parameters. A change
	// in the recipe makes the artifact stale.
	Recipe string

	// Generate produces the outputs.
	Generate Generator
}

// OutputPaths returns the declared output paths in declaration order.
func (a *Artifact) OutputPaths() []string {
	paths := make([]string, len(a.Outputs))
	for i, o := range a.Outputs {
		paths[i] = o.Path
	}
	return paths
}

// BuildContext is handed to a generator. It gives read access to the
// outputs of the artifact's declared dependencies only.
type BuildContext struct {
	// Artifact is the node being built.
	Artifact *Artifact

	// RunID identifies the current run.
	RunID string

	ws     *Workspace
	allow  map[string]string
	logger zerolog.Logger
}

// Read returns the contents of an output owned by one of the artifact's
// declared dependencies.
func (bc *BuildContext) Read(path string) ([]byte, error) {
	owner, ok := bc.allow[path]
	if !ok {
		return nil, NewDependencyError(path, nil).
			WithArtifact(bc.Artifact.ID).
			WithPath(path).
			WithCode(ErrCodeUnknownArtifact)
	}
	data, err := bc.ws.Read(path)
	if err != nil {
		return nil, NewIOError("read dependency output of "+owner, err).
			WithArtifact(bc.Artifact.ID).
			WithPath(path)
	}
	return data, nil
}

// Logger returns the logger scoped to this artifact.
func (bc *BuildContext) Logger() *zerolog.Logger {
	return &bc.logger
}

// TargetResult is the outcome of one artifact in a run.
type TargetResult struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Status   Status        `json:"status"`
	Built    bool          `json:"built"`
	UpToDate bool          `json:"up_to_date"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Result summarises a build run.
type Result struct {
	RunID       string                   `json:"run_id"`
	Status      RunStatus                `json:"status"`
	Order       []string                 `json:"order"`
	Targets     map[string]*TargetResult `json:"targets"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at"`

	// Origin is the first failure observed, used as the run's error.
	Origin error `json:"-"`
}

// Built returns identifiers whose generator ran and succeeded, in order.
func (r *Result) Built() []string {
	return r.filter(func(t *TargetResult) bool { return t.Built })
}

// Failed returns identifiers that failed or were skipped, in order.
func (r *Result) Failed() []string {
	return r.filter(func(t *TargetResult) bool { return t.Status == StatusFailed })
}

// Skipped returns identifiers that were never attempted, in order.
func (r *Result) Skipped() []string {
	return r.filter(func(t *TargetResult) bool { return t.Skipped })
}

// Succeeded returns identifiers that are Done, in order.
func (r *Result) Succeeded() []string {
	return r.filter(func(t *TargetResult) bool { return t.Status == StatusDone })
}

// OK reports whether every artifact of the run is Done.
func (r *Result) OK() bool {
	return r.Status == RunStatusSucceeded
}

// Err returns the origin failure of the run, or nil.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return r.Origin
}

func (r *Result) filter(keep func(*TargetResult) bool) []string {
	ids := make([]string, 0)
	for _, id := range r.Order {
		if t, ok := r.Targets[id]; ok && keep(t) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Errors returns every failure keyed by artifact, sorted by identifier.
func (r *Result) Errors() []error {
	ids := make([]string, 0)
	for id, t := range r.Targets {
		if t.Err != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = r.Targets[id].Err
	}
	return errs
}
