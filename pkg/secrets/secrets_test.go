package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func TestGenerate_UsesAlphabet(t *testing.T) {
	g := NewGenerator()

	v, err := g.Generate(64, "ab")
	require.NoError(t, err)
	assert.Len(t, v.Bytes, 64)
	assert.Equal(t, 64, v.Length)
	for _, c := range v.String() {
		assert.Contains(t, "ab", string(c))
	}
}

func TestGenerate_DuplicateAlphabetCharacters(t *testing.T) {
	v, err := NewGenerator().Generate(8, "aabbb")
	require.NoError(t, err)
	assert.Equal(t, "ab", v.Alphabet)
}

func TestGenerate_Unique(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		v, err := g.Generate(16, DefaultAlphabet)
		require.NoError(t, err)
		require.False(t, seen[v.String()], "duplicate secret after %d draws", i)
		seen[v.String()] = true
	}
}

func TestGenerate_CoversAlphabet(t *testing.T) {
	v, err := NewGenerator().Generate(20000, DefaultAlphabet)
	require.NoError(t, err)
	for _, c := range DefaultAlphabet {
		assert.True(t, strings.ContainsRune(v.String(), c), "character %q never drawn", c)
	}
}

func TestGenerate_Errors(t *testing.T) {
	g := NewGenerator()

	tests := []struct {
		name     string
		length   int
		alphabet string
	}{
		{name: "zero length", length: 0, alphabet: DefaultAlphabet},
		{name: "negative length", length: -4, alphabet: DefaultAlphabet},
		{name: "empty alphabet", length: 16, alphabet: ""},
		{name: "single character", length: 16, alphabet: "aaaa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(tt.length, tt.alphabet)
			require.Error(t, err)
			assert.True(t, engine.IsGeneration(err))
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerate_RandomSourceFailure(t *testing.T) {
	_, err := NewGeneratorFrom(failingReader{}).Generate(16, DefaultAlphabet)
	require.Error(t, err)
	assert.True(t, engine.IsGeneration(err))
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestArtifact_BuildsPrivateFile(t *testing.T) {
	g := NewGenerator()
	graph := engine.NewGraph()
	require.NoError(t, graph.Declare(g.Artifact(Spec{Name: "db.lega"})))
	require.NoError(t, graph.Declare(g.Artifact(Spec{Name: "mq.admin", Length: 24})))

	ws := engine.NewWorkspace(memfs.New(), "/out")
	o := engine.NewOrchestrator(graph, ws, engine.NewMemoryManifest())
	res, err := o.Build(context.Background(), []string{engine.GroupSecrets}, engine.BuildOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"secrets/db.lega", "secrets/mq.admin"}, res.Built())

	db, err := ws.Read("secrets/db.lega")
	require.NoError(t, err)
	mq, err := ws.Read("secrets/mq.admin")
	require.NoError(t, err)
	assert.Len(t, db, DefaultLength)
	assert.Len(t, mq, 24)
	assert.NotEqual(t, db, mq)

	perm, err := ws.Perm("secrets/db.lega")
	require.NoError(t, err)
	assert.Equal(t, engine.PermPrivate, perm)
}

func TestArtifact_RecipeTracksParameters(t *testing.T) {
	g := NewGenerator()
	short := g.Artifact(Spec{Name: "x", Length: 16})
	long := g.Artifact(Spec{Name: "x", Length: 32})
	assert.NotEqual(t, short.Recipe, long.Recipe)
	assert.Equal(t, "secrets/x", short.ID)
}
