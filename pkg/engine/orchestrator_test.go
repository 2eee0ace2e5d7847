package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_Build_All(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, RunStatusSucceeded, res.Status)
	assert.Equal(t, res.Order, res.Built())
	assert.Equal(t, 6, f.gens.total())

	for _, id := range res.Order {
		a, _ := f.graph.Artifact(id)
		for _, out := range a.Outputs {
			perm, err := f.ws.Perm(out.Path)
			require.NoError(t, err)
			assert.Equal(t, out.Perm, perm, out.Path)
		}
		entry, err := f.manifest.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, entry.Status)
		assert.Equal(t, res.RunID, entry.RunID)
	}

	exists, err := f.ws.Exists(LockFile)
	require.NoError(t, err)
	assert.False(t, exists, "lock must be released")
	assert.Len(t, f.manifest.Runs(), 1)
}

func TestOrchestrator_Build_GeneratorsSeeDependencies(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Build(context.Background(), nil, BuildOptions{Parallelism: 4})
	require.NoError(t, err)

	position := make(map[string]int)
	for i, id := range f.gens.sequence {
		position[id] = i
	}
	for id := range position {
		a, _ := f.graph.Artifact(id)
		for _, dep := range a.Dependencies {
			assert.Less(t, position[dep], position[id], "%s generated before its dependency %s", id, dep)
		}
	}

	top, err := f.ws.Read("confs/top.ini")
	require.NoError(t, err)
	x, err := f.ws.Read("confs/x.ini")
	require.NoError(t, err)
	assert.Contains(t, string(top), string(x))
}

func TestOrchestrator_Build_RespectsParallelism(t *testing.T) {
	m := newMockGenerators()
	m.delay = 20 * time.Millisecond
	g := NewGraph()
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		require.NoError(t, g.Declare(secretArtifact(m, name)))
	}
	o := NewOrchestrator(g, NewWorkspace(memfs.New(), "/out"), NewMemoryManifest())

	_, err := o.Build(context.Background(), nil, BuildOptions{Parallelism: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, m.maxActive.Load(), int32(2))
	assert.Equal(t, 6, m.total())
}

func TestBuildOptions_Workers(t *testing.T) {
	tests := []struct {
		name  string
		opts  BuildOptions
		ready int
		want  int
	}{
		{"explicit", BuildOptions{Parallelism: 3}, 40, 3},
		{"ready count", BuildOptions{}, 4, 4},
		{"capped by default", BuildOptions{}, 40, DefaultMaxParallelism},
		{"capped by option", BuildOptions{MaxParallelism: 2}, 40, 2},
		{"at least one", BuildOptions{}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.workers(tt.ready))
		})
	}
}

func TestOrchestrator_Build_ParallelWorkersShareWorkspace(t *testing.T) {
	m := newMockGenerators()
	g := NewGraph()
	var secretIDs []string
	for i := 0; i < 32; i++ {
		a := secretArtifact(m, fmt.Sprintf("s%02d", i))
		require.NoError(t, g.Declare(a))
		secretIDs = append(secretIDs, a.ID)
	}
	require.NoError(t, g.Declare(configArtifact(m, "all", secretIDs...)))
	ws := NewWorkspace(memfs.New(), "/out")
	o := NewOrchestrator(g, ws, NewMemoryManifest())

	res, err := o.Build(context.Background(), nil, BuildOptions{Parallelism: 8})
	require.NoError(t, err)
	assert.Len(t, res.Built(), 33)

	conf, err := ws.Read("confs/all.ini")
	require.NoError(t, err)
	for _, id := range secretIDs {
		secret, err := ws.Read(id)
		require.NoError(t, err)
		assert.Contains(t, string(conf), id+"="+string(secret))
	}
}

func TestOrchestrator_Build_GeneratorLogsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	g := NewGraph()
	require.NoError(t, g.Declare(Artifact{
		ID:      "secrets/logged",
		Kind:    KindSecret,
		Outputs: []Output{{Path: "secrets/logged", Perm: PermPrivate}},
		Recipe:  "length=8",
		Generate: func(_ context.Context, bc *BuildContext) (map[string][]byte, error) {
			bc.Logger().Info().Int("length", 8).Msg("Generated secret")
			return map[string][]byte{"secrets/logged": []byte("abcdefgh")}, nil
		},
	}))
	o := NewOrchestrator(g, NewWorkspace(memfs.New(), "/out"), NewMemoryManifest(), WithLogger(logger))

	_, err := o.Build(context.Background(), nil, BuildOptions{})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"artifact":"secrets/logged"`)
	assert.Contains(t, buf.String(), `"message":"Generated secret"`)
}

func TestOrchestrator_Build_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	before := f.snapshot(t)
	entries, err := f.manifest.List(ctx)
	require.NoError(t, err)

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Built())
	assert.Equal(t, 6, f.gens.total(), "no generator may run again")
	for _, id := range res.Order {
		assert.True(t, res.Targets[id].UpToDate, id)
	}
	assert.Equal(t, before, f.snapshot(t))

	after, err := f.manifest.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, after)
	assert.Len(t, f.manifest.Runs(), 1, "an up-to-date run records nothing")
}

func TestOrchestrator_Build_DeletedSecretRebuildsDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	before := f.snapshot(t)

	require.NoError(t, f.ws.Remove("secrets/a"))

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets/a", "confs/x", "confs/top"}, res.Built())

	after := f.snapshot(t)
	for _, unchanged := range []string{"secrets/b", "secrets/c", "confs/y.ini"} {
		assert.Equal(t, before[unchanged], after[unchanged], unchanged)
	}
	for _, changed := range []string{"secrets/a", "confs/x.ini", "confs/top.ini"} {
		assert.NotEqual(t, before[changed], after[changed], changed)
	}
	assert.Equal(t, 1, f.gens.callsTo("secrets/b"))
	assert.Equal(t, 2, f.gens.callsTo("secrets/a"))
}

func TestOrchestrator_Build_TamperedOutputIsRegenerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, f.ws.Remove("confs/y.ini"))
	require.NoError(t, util.WriteFile(f.ws.Raw(), "/confs/y.ini", []byte("edited by hand"), PermPublic))

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"confs/y", "confs/top"}, res.Built())
}

func TestOrchestrator_Build_RecipeChangeIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)

	a, _ := f.graph.Artifact("secrets/c")
	a.Recipe = "length=64"

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets/c", "confs/y", "confs/top"}, res.Built())
}

func TestOrchestrator_Build_CycleWritesNothing(t *testing.T) {
	m := newMockGenerators()
	g := NewGraph()
	require.NoError(t, g.Declare(secretArtifact(m, "a", "confs/x")))
	require.NoError(t, g.Declare(configArtifact(m, "x", "secrets/a")))
	ws := NewWorkspace(memfs.New(), "/out")
	o := NewOrchestrator(g, ws, NewMemoryManifest())

	res, err := o.Build(context.Background(), nil, BuildOptions{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsCycle(err))
	assert.Equal(t, 0, m.total())

	entries, err := ws.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_Build_FailureSkipsDependentsOnly(t *testing.T) {
	f := newFixture(t)
	f.gens.failOn("secrets/b", errors.New("entropy source exhausted"))

	res, err := f.orch.Build(context.Background(), nil, BuildOptions{})
	require.Error(t, err)
	assert.True(t, IsGeneration(err))
	assert.Equal(t, ExitGeneration, ExitCode(err))
	assert.Equal(t, RunStatusPartial, res.Status)

	assert.ElementsMatch(t, []string{"secrets/a", "secrets/c", "confs/y"}, res.Succeeded())
	assert.ElementsMatch(t, []string{"secrets/b", "confs/x", "confs/top"}, res.Failed())
	assert.ElementsMatch(t, []string{"confs/x", "confs/top"}, res.Skipped())

	top := res.Targets["confs/top"]
	assert.True(t, IsDependency(top.Err))
	var engineErr *EngineError
	require.ErrorAs(t, top.Err, &engineErr)
	assert.Equal(t, []string{"secrets/b", "confs/x", "confs/top"}, engineErr.Chain)

	for _, p := range []string{"secrets/b", "confs/x.ini", "confs/top.ini"} {
		exists, err := f.ws.Exists(p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
	assert.Equal(t, 0, f.gens.callsTo("confs/x"))
	assert.Equal(t, 0, f.gens.callsTo("confs/top"))

	_, err = f.manifest.Get(context.Background(), "secrets/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestrator_Build_FailFastStopsDispatch(t *testing.T) {
	m := newMockGenerators()
	g := NewGraph()
	for _, name := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, g.Declare(secretArtifact(m, name)))
	}
	m.failOn("secrets/s1", errors.New("boom"))
	o := NewOrchestrator(g, NewWorkspace(memfs.New(), "/out"), NewMemoryManifest())

	res, err := o.Build(context.Background(), nil, BuildOptions{Parallelism: 1, FailFast: true})
	require.Error(t, err)
	assert.True(t, IsGeneration(err))
	assert.Equal(t, RunStatusFailed, res.Status)
	assert.Equal(t, 1, m.total())
	for _, id := range []string{"secrets/s2", "secrets/s3", "secrets/s4"} {
		assert.True(t, res.Targets[id].Skipped, id)
		assert.True(t, IsHalted(res.Targets[id].Err), id)
	}
}

func TestOrchestrator_Build_FailureRemovesPreviousOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)

	// force a rebuild of secrets/c and make it fail
	require.NoError(t, f.ws.Remove("secrets/c"))
	f.gens.failOn("secrets/c", errors.New("boom"))

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"secrets/c", "confs/y", "confs/top"}, res.Failed())

	_, err = f.manifest.Get(ctx, "secrets/c")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, f.manifest.Runs(), 2)
}

func TestOrchestrator_Build_ConcurrentRunRejected(t *testing.T) {
	f := newFixture(t)
	lock, err := f.ws.AcquireLock("other-run")
	require.NoError(t, err)

	_, err = f.orch.Build(context.Background(), nil, BuildOptions{})
	require.Error(t, err)
	assert.True(t, IsConcurrentRun(err))
	assert.Equal(t, ExitConcurrent, ExitCode(err))
	assert.Contains(t, err.Error(), "other-run")
	assert.Equal(t, 0, f.gens.total())

	require.NoError(t, lock.Release())
	_, err = f.orch.Build(context.Background(), nil, BuildOptions{})
	require.NoError(t, err)
}

func TestOrchestrator_Build_MissingOutputIsGenerationError(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Declare(Artifact{
		ID:      "certs/x",
		Kind:    KindCert,
		Outputs: []Output{{Path: "certs/x.cert.pem", Perm: PermPublic}, {Path: "certs/x.sec.pem", Perm: PermPrivate}},
		Generate: func(context.Context, *BuildContext) (map[string][]byte, error) {
			return map[string][]byte{"certs/x.cert.pem": []byte("cert")}, nil
		},
	}))
	ws := NewWorkspace(memfs.New(), "/out")
	o := NewOrchestrator(g, ws, NewMemoryManifest())

	_, err := o.Build(context.Background(), nil, BuildOptions{})
	require.Error(t, err)
	assert.True(t, IsGeneration(err))

	files, err := ws.Files("")
	require.NoError(t, err)
	assert.Empty(t, files, "partial outputs must not be published")
}

func TestOrchestrator_Build_UndeclaredReadIsRejected(t *testing.T) {
	m := newMockGenerators()
	g := NewGraph()
	require.NoError(t, g.Declare(secretArtifact(m, "a")))
	require.NoError(t, g.Declare(Artifact{
		ID:      "confs/sneaky",
		Kind:    KindConfig,
		Outputs: []Output{{Path: "confs/sneaky.ini", Perm: PermPublic}},
		Generate: func(_ context.Context, bc *BuildContext) (map[string][]byte, error) {
			data, err := bc.Read("secrets/a")
			if err != nil {
				return nil, err
			}
			return map[string][]byte{"confs/sneaky.ini": data}, nil
		},
	}))
	o := NewOrchestrator(g, NewWorkspace(memfs.New(), "/out"), NewMemoryManifest())

	res, err := o.Build(context.Background(), nil, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Targets["confs/sneaky"].Status)
}

func TestOrchestrator_Build_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.Build(ctx, nil, BuildOptions{Parallelism: 1})
	require.Error(t, err)
	assert.True(t, IsHalted(err))
	assert.Equal(t, RunStatusCancelled, res.Status)

	for _, id := range res.Order {
		target := res.Targets[id]
		assert.True(t, target.Status == StatusDone || target.Skipped, id)
	}
}

func TestOrchestrator_Inspect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	states, err := f.orch.Inspect(ctx, nil)
	require.NoError(t, err)
	for _, s := range states {
		assert.False(t, s.Fresh)
		assert.Equal(t, ReasonNeverBuilt, s.Reason)
	}

	_, err = f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, f.ws.Remove("secrets/c"))

	states, err = f.orch.Inspect(ctx, nil)
	require.NoError(t, err)
	reasons := make(map[string]string)
	for _, s := range states {
		reasons[s.ID] = s.Reason
	}
	assert.Equal(t, "", reasons["secrets/a"])
	assert.Equal(t, ReasonOutputsChanged, reasons["secrets/c"])
	assert.Equal(t, ReasonDependencyStale, reasons["confs/y"])
	assert.Equal(t, ReasonDependencyStale, reasons["confs/top"])
	assert.Equal(t, "", reasons["confs/x"])
}

func TestOrchestrator_Clean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)

	removed, err := f.orch.Clean(ctx, GroupSecrets)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"secrets/a", "secrets/b", "secrets/c"}, removed)

	_, err = f.manifest.Get(ctx, "secrets/a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.manifest.Get(ctx, "confs/x")
	assert.NoError(t, err)

	removed, err = f.orch.Clean(ctx, "confs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"confs/x.ini", "confs/y.ini", "confs/top.ini"}, removed)

	_, err = f.orch.Clean(ctx, "../etc")
	assert.True(t, IsValidation(err))
}

func TestOrchestrator_CleanAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, f.orch.CleanAll(ctx))

	entries, err := f.ws.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	list, err := f.manifest.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	res, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Built(), 6)
}

func TestOrchestrator_Destroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(f.ws.Raw(), "/"+ManifestFile, []byte("db"), PermPrivate))

	closed := false
	err = f.orch.Destroy(ctx, func() error {
		held, err := f.ws.Exists(LockFile)
		require.NoError(t, err)
		assert.True(t, held, "manifest must be closed under the lock")
		closed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, closed)

	entries, err := f.ws.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_Destroy_LockedRootIsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)
	before := f.snapshot(t)

	lock, err := f.ws.AcquireLock("other-run")
	require.NoError(t, err)
	defer func() { require.NoError(t, lock.Release()) }()

	err = f.orch.Destroy(ctx, func() error {
		t.Fatal("manifest closed without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, ExitConcurrent, ExitCode(err))

	after := f.snapshot(t)
	delete(after, LockFile)
	assert.Equal(t, before, after)
	list, err := f.manifest.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 6)
}

func TestOrchestrator_VerifyOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Build(ctx, nil, BuildOptions{})
	require.NoError(t, err)

	problems, err := f.orch.VerifyOutputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)

	require.NoError(t, f.ws.Remove("secrets/a"))
	problems, err = f.orch.VerifyOutputs(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.True(t, IsIO(problems[0]))
}
