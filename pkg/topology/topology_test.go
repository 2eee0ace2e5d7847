package topology

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func testSpec() Spec {
	return Spec{
		Name: "lega",
		Components: []Component{
			{Name: "db", Image: "egarchive/db:latest", Certificate: true, Ports: []string{"5432:5432"}},
			{Name: "mq", Image: "egarchive/mq:latest", Certificate: true},
			{
				Name: "ingest", Image: "egarchive/lega:latest", Config: "ingest", Certificate: true,
				Command: []string{"ega-ingest"}, DependsOn: []string{"db", "mq"},
				Secrets: []string{"mq.connection", "db.connection"},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	f, err := Build(testSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "ingest", "mq"}, f.ServiceNames())
	ingest := f.Services["ingest"]
	assert.Equal(t, "ingest", ingest.Hostname)
	assert.Equal(t, []string{
		"./certs/CA.ingest.cert.pem:/etc/ega/CA.cert:ro",
		"./certs/ingest.cert.pem:/etc/ega/ssl.cert:ro",
		"./certs/ingest.sec.pem:/etc/ega/ssl.key:ro",
		"./confs/ingest.ini:/etc/ega/conf.ini:ro",
	}, ingest.Volumes)
	assert.Equal(t, []string{"LEGA_CONF=/etc/ega/conf.ini"}, ingest.Environment)
	assert.Empty(t, ingest.Secrets)
	assert.Nil(t, f.Secrets)
	assert.Contains(t, f.Networks, "lega")
}

func TestBuild_DockerSecrets(t *testing.T) {
	spec := testSpec()
	spec.DockerSecrets = true
	f, err := Build(spec)
	require.NoError(t, err)

	assert.Equal(t, []string{"mq.connection", "db.connection"}, f.Services["ingest"].Secrets)
	assert.Equal(t, Secret{File: "./secrets/db.connection"}, f.Secrets["db.connection"])
}

func TestBuild_Rejects(t *testing.T) {
	_, err := Build(Spec{})
	assert.True(t, engine.IsValidation(err))

	spec := testSpec()
	spec.Components = append(spec.Components, Component{Name: "db"})
	_, err = Build(spec)
	assert.True(t, engine.IsValidation(err))

	spec = testSpec()
	spec.Components[2].DependsOn = []string{"inbox"}
	_, err = Build(spec)
	assert.True(t, engine.IsValidation(err))
}

func TestMarshal_Deterministic(t *testing.T) {
	f, err := Build(testSpec())
	require.NoError(t, err)
	first, err := f.Marshal()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Build(testSpec())
		require.NoError(t, err)
		data, err := again.Marshal()
		require.NoError(t, err)
		require.Equal(t, first, data)
	}

	parsed, err := Parse(first)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestArtifact(t *testing.T) {
	a, err := Artifact(testSpec(), nil)
	require.NoError(t, err)
	assert.Equal(t, "topology/lega", a.ID)
	assert.Equal(t, engine.KindTopology, a.Kind)

	g := engine.NewGraph()
	require.NoError(t, g.Declare(a))
	ws := engine.NewWorkspace(memfs.New(), "/out")
	_, err = engine.NewOrchestrator(g, ws, engine.NewMemoryManifest()).
		Build(context.Background(), []string{engine.GroupConfigs}, engine.BuildOptions{})
	require.NoError(t, err)

	data, err := ws.Read("lega.yml")
	require.NoError(t, err)
	f, err := Parse(data)
	require.NoError(t, err)
	assert.Len(t, f.Services, 3)
}
