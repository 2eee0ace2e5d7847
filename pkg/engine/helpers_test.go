package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// mockGenerators builds generators that record their invocations.
type mockGenerators struct {
	mu        sync.Mutex
	calls     map[string]int
	sequence  []string
	failIDs   map[string]error
	delay     time.Duration
	running   atomic.Int32
	maxActive atomic.Int32
}

func newMockGenerators() *mockGenerators {
	return &mockGenerators{
		calls:   make(map[string]int),
		failIDs: make(map[string]error),
	}
}

func (m *mockGenerators) failOn(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIDs[id] = err
}

func (m *mockGenerators) callsTo(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func (m *mockGenerators) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// gen returns a generator whose outputs contain a fresh random token plus
// the contents of every dependency output it is allowed to read.
func (m *mockGenerators) gen() Generator {
	return func(_ context.Context, bc *BuildContext) (map[string][]byte, error) {
		active := m.running.Inc()
		defer m.running.Dec()
		for {
			seen := m.maxActive.Load()
			if active <= seen || m.maxActive.CompareAndSwap(seen, active) {
				break
			}
		}

		id := bc.Artifact.ID
		m.mu.Lock()
		m.calls[id]++
		m.sequence = append(m.sequence, id)
		failure := m.failIDs[id]
		m.mu.Unlock()

		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		if failure != nil {
			return nil, failure
		}

		var sb strings.Builder
		sb.WriteString(id + ":" + uuid.NewString() + "\n")
		paths := make([]string, 0, len(bc.allow))
		for p := range bc.allow {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			data, err := bc.Read(p)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&sb, "%s=%s", p, data)
		}

		out := make(map[string][]byte, len(bc.Artifact.Outputs))
		for _, o := range bc.Artifact.Outputs {
			out[o.Path] = []byte(o.Path + "|" + sb.String())
		}
		return out, nil
	}
}

func secretArtifact(m *mockGenerators, name string, deps ...string) Artifact {
	return Artifact{
		ID:           "secrets/" + name,
		Kind:         KindSecret,
		Dependencies: deps,
		Outputs:      []Output{{Path: "secrets/" + name, Perm: PermPrivate}},
		Recipe:       "length=32",
		Generate:     m.gen(),
	}
}

func configArtifact(m *mockGenerators, name string, deps ...string) Artifact {
	return Artifact{
		ID:           "confs/" + name,
		Kind:         KindConfig,
		Dependencies: deps,
		Outputs:      []Output{{Path: "confs/" + name + ".ini", Perm: PermPublic}},
		Recipe:       "template=" + name,
		Generate:     m.gen(),
	}
}

type fixture struct {
	graph    *Graph
	ws       *Workspace
	manifest *MemoryManifest
	gens     *mockGenerators
	orch     *Orchestrator
}

// newFixture declares a small deployment:
//
//	secrets/a ─┬─> confs/x ─> confs/top
//	secrets/b ─┘              ^
//	secrets/c ─> confs/y ─────┘
func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := newMockGenerators()
	g := NewGraph()
	require.NoError(t, g.Declare(configArtifact(m, "top", "confs/x", "confs/y")))
	require.NoError(t, g.Declare(secretArtifact(m, "a")))
	require.NoError(t, g.Declare(secretArtifact(m, "b")))
	require.NoError(t, g.Declare(secretArtifact(m, "c")))
	require.NoError(t, g.Declare(configArtifact(m, "x", "secrets/a", "secrets/b")))
	require.NoError(t, g.Declare(configArtifact(m, "y", "secrets/c")))

	ws := NewWorkspace(memfs.New(), "/out")
	manifest := NewMemoryManifest()
	return &fixture{
		graph:    g,
		ws:       ws,
		manifest: manifest,
		gens:     m,
		orch:     NewOrchestrator(g, ws, manifest),
	}
}

func (f *fixture) snapshot(t *testing.T) map[string]string {
	t.Helper()
	files, err := f.ws.Files("")
	require.NoError(t, err)
	out := make(map[string]string, len(files))
	for _, p := range files {
		data, err := f.ws.Read(p)
		require.NoError(t, err)
		out[p] = string(data)
	}
	return out
}
