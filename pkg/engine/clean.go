package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clean removes the outputs and manifest entries selected by scope. Scope
// is an artifact identifier, a group alias, or a directory relative to the
// output root; empty means every declared artifact. The output root itself,
// the manifest and the lock survive.
// It returns the removed paths.
func (o *Orchestrator) Clean(ctx context.Context, scope string) ([]string, error) {
	ids, dir, err := o.resolveScope(scope)
	if err != nil {
		return nil, err
	}

	lock, err := o.ws.AcquireLock(uuid.NewString())
	if err != nil {
		return nil, err
	}
	defer o.release(lock)

	removed := make([]string, 0)
	for _, id := range ids {
		a, _ := o.graph.Artifact(id)
		for _, p := range a.OutputPaths() {
			exists, err := o.ws.Exists(p)
			if err != nil {
				return removed, NewIOError("stat output", err).WithArtifact(id).WithPath(p)
			}
			if !exists {
				continue
			}
			if err := o.ws.Remove(p); err != nil {
				return removed, NewIOError("remove output", err).WithArtifact(id).WithPath(p)
			}
			removed = append(removed, p)
		}
		if err := o.manifest.Delete(ctx, id); err != nil {
			return removed, NewIOError("drop manifest entry", err).WithArtifact(id).WithCode(ErrCodeManifest)
		}
	}

	if dir != "" {
		leftovers, err := o.ws.Files(dir)
		if err != nil {
			return removed, NewIOError("list directory", err).WithPath(dir)
		}
		if err := o.ws.RemoveAll(dir); err != nil {
			return removed, NewIOError("remove directory", err).WithPath(dir)
		}
		removed = append(removed, leftovers...)
	}

	o.logger.Info().Str("scope", scope).Int("removed", len(removed)).Msg("Cleaned outputs")
	return removed, nil
}

// CleanAll removes everything under the output root except the manifest
// database and the lock, and empties the manifest.
func (o *Orchestrator) CleanAll(ctx context.Context) error {
	lock, err := o.ws.AcquireLock(uuid.NewString())
	if err != nil {
		return err
	}
	defer o.release(lock)

	return o.cleanAll(ctx)
}

// Destroy empties the output root like CleanAll and then, still holding the
// lock, calls closeManifest and removes the manifest database. Only the lock
// file remains until it is released on return, leaving the root empty.
func (o *Orchestrator) Destroy(ctx context.Context, closeManifest func() error) error {
	lock, err := o.ws.AcquireLock(uuid.NewString())
	if err != nil {
		return err
	}
	defer o.release(lock)

	if err := o.cleanAll(ctx); err != nil {
		return err
	}
	if closeManifest != nil {
		if err := closeManifest(); err != nil {
			return NewIOError("close manifest", err).WithCode(ErrCodeManifest)
		}
	}

	entries, err := o.ws.Entries()
	if err != nil {
		return NewIOError("list output root", err)
	}
	for _, name := range entries {
		if name == LockFile {
			continue
		}
		if err := o.ws.RemoveAll(name); err != nil {
			return NewIOError("remove", err).WithPath(name)
		}
	}

	o.logger.Info().Str("root", o.ws.Root()).Msg("Destroyed output root contents")
	return nil
}

func (o *Orchestrator) cleanAll(ctx context.Context) error {
	entries, err := o.ws.Entries()
	if err != nil {
		return NewIOError("list output root", err)
	}
	for _, name := range entries {
		if name == LockFile || name == ManifestFile || strings.HasPrefix(name, ManifestFile+"-") {
			continue
		}
		if err := o.ws.RemoveAll(name); err != nil {
			return NewIOError("remove", err).WithPath(name)
		}
	}
	if err := o.manifest.Reset(ctx); err != nil {
		return NewIOError("reset manifest", err).WithCode(ErrCodeManifest)
	}

	o.logger.Info().Str("root", o.ws.Root()).Msg("Cleaned output root")
	return nil
}

func (o *Orchestrator) release(lock *RunLock) {
	if err := lock.Release(); err != nil {
		o.logger.Error().Err(err).Msg("Failed to release lock")
	}
}

// resolveScope returns the artifacts a clean scope selects and, for a
// directory scope, the directory to sweep.
func (o *Orchestrator) resolveScope(scope string) ([]string, string, error) {
	if scope == "" || scope == GroupAll {
		return o.graph.IDs(), "", nil
	}
	if _, ok := o.graph.Artifact(scope); ok {
		return []string{scope}, "", nil
	}
	if ids, err := o.graph.Group(scope); err == nil {
		return ids, "", nil
	}

	dir, err := cleanOutputPath(scope)
	if err != nil {
		return nil, "", NewValidationError("invalid clean scope", err).WithPath(scope)
	}
	ids := make([]string, 0)
	for _, id := range o.graph.IDs() {
		a, _ := o.graph.Artifact(id)
		for _, p := range a.OutputPaths() {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, dir, nil
}

// ArtifactState describes an artifact on disk without building anything.
type ArtifactState struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Fresh   bool      `json:"fresh"`
	Reason  string    `json:"reason,omitempty"`
	BuiltAt time.Time `json:"built_at,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
}

// Staleness reasons reported by Inspect.
const (
	ReasonNeverBuilt      = "never built"
	ReasonInputsChanged   = "inputs changed"
	ReasonOutputsChanged  = "outputs missing or modified"
	ReasonDependencyStale = "dependency stale"
)

// Inspect reports, in build order, which targets a build would regenerate.
func (o *Orchestrator) Inspect(ctx context.Context, targets []string) ([]ArtifactState, error) {
	order, err := o.graph.ResolveOrder(targets)
	if err != nil {
		return nil, err
	}

	fingerprints := make(map[string]string, len(order))
	states := make([]ArtifactState, 0, len(order))
	for _, id := range order {
		a, _ := o.graph.Artifact(id)
		state := ArtifactState{ID: id, Kind: a.Kind}

		entry, err := o.manifest.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			state.Reason = ReasonNeverBuilt
		case err != nil:
			return nil, NewIOError("read manifest", err).WithArtifact(id).WithCode(ErrCodeManifest)
		default:
			state.BuiltAt = entry.BuiltAt
			state.RunID = entry.RunID
			state.Reason = o.staleReason(ctx, a, entry, fingerprints)
		}

		if state.Reason == "" {
			state.Fresh = true
			fingerprints[id] = entry.Fingerprint
		}
		states = append(states, state)
	}
	return states, nil
}

func (o *Orchestrator) staleReason(ctx context.Context, a *Artifact, entry *ManifestEntry, fingerprints map[string]string) string {
	for _, dep := range a.Dependencies {
		if _, ok := fingerprints[dep]; !ok {
			return ReasonDependencyStale
		}
	}
	input := InputFingerprint(a, fingerprints)
	if entry.InputFingerprint != input {
		return ReasonInputsChanged
	}
	_, fresh, err := o.checkFresh(ctx, a, input)
	if err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}
	if !fresh {
		return ReasonOutputsChanged
	}
	return ""
}

// VerifyOutputs checks that every Done manifest entry's files exist with
// the declared permission. It returns one error per problem found.
func (o *Orchestrator) VerifyOutputs(ctx context.Context) ([]error, error) {
	entries, err := o.manifest.List(ctx)
	if err != nil {
		return nil, NewIOError("list manifest", err).WithCode(ErrCodeManifest)
	}
	problems := make([]error, 0)
	for _, entry := range entries {
		a, ok := o.graph.Artifact(entry.ID)
		if !ok {
			continue
		}
		for _, out := range a.Outputs {
			perm, err := o.ws.Perm(out.Path)
			if err != nil {
				problems = append(problems, NewIOError("output missing", err).WithArtifact(a.ID).WithPath(out.Path))
				continue
			}
			if perm != out.Perm {
				problems = append(problems, NewIOError(
					fmt.Sprintf("mode is %04o, want %04o", perm, out.Perm), nil,
				).WithArtifact(a.ID).WithPath(path.Clean(out.Path)).WithCode(ErrCodePermission))
			}
		}
	}
	return problems, nil
}
