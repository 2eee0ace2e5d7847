package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/secrets"
)

const minimalCUE = `
schema_version: "1.0.0"
name:           "lega"
secrets: [{name: "db.lega"}, {name: "mq.admin", length: 24}]
components: [{name: "ingest", certificate: true, config: "ingest"}]
configs: [{name: "ingest", family: "ingest", component: "ingest", params: {queue: "inbox"}}]
users: [{name: "john"}]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err), "got %v", err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	return verrs
}

func TestLoad_CUE(t *testing.T) {
	path := writeFile(t, "lega.cue", minimalCUE)

	d, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lega", d.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultOutputRoot), d.OutputRoot)
	require.Len(t, d.Secrets, 2)
	assert.Equal(t, secrets.DefaultLength, d.Secrets[0].Length)
	assert.Equal(t, 24, d.Secrets[1].Length)
	assert.Equal(t, secrets.DefaultAlphabet, d.Secrets[1].Alphabet)
	assert.Equal(t, "inbox", d.Configs[0].Params["queue"])
	assert.Equal(t, DefaultBaseUID, d.Users[0].UID)
	assert.Equal(t, "ecdsa-p256", d.PKI.Algorithm)
	assert.Equal(t, DefaultValidityDays, d.PKI.ValidityDays)
	assert.Equal(t, "db", d.Facts["db.host"])
}

func TestLoad_NestedDeploymentField(t *testing.T) {
	d, err := NewLoader().Decode([]byte(`deployment: {schema_version: "1.0.0", name: "x"}`), FormatCUE, "x.cue")
	require.NoError(t, err)
	assert.Equal(t, "x", d.Name)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "lega.yaml", `
schema_version: 1.2.0
name: lega
output_root: /srv/lega
docker_secrets: true
pki:
  algorithm: rsa-2048
  validity_days: 30
facts:
  db.host: postgres
`)
	d, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/lega", d.OutputRoot)
	assert.True(t, d.DockerSecrets)
	assert.Equal(t, "rsa-2048", d.PKI.Algorithm)
	assert.Equal(t, 30, d.PKI.ValidityDays)
	assert.Equal(t, "postgres", d.Facts["db.host"])
	assert.Equal(t, "mq", d.Facts["mq.host"])
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unknown field cue", file: "a.cue", content: `schema_version: "1.0.0", name: "x", colour: "blue"`},
		{name: "bad name", file: "a.cue", content: `schema_version: "1.0.0", name: "Lega"`},
		{name: "bad family", file: "a.cue", content: `schema_version: "1.0.0", name: "x", configs: [{name: "f", family: "frontend"}]`},
		{name: "zero validity", file: "a.cue", content: `schema_version: "1.0.0", name: "x", pki: validity_days: 0`},
		{name: "unknown field yaml", file: "a.yaml", content: "schema_version: 1.0.0\nname: x\ncolour: blue\n"},
		{name: "bad algorithm yaml", file: "a.yaml", content: "schema_version: 1.0.0\nname: x\npki:\n  algorithm: dsa\n"},
		{name: "syntax", file: "a.cue", content: `name: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load(writeFile(t, tt.file, tt.content))
			assert.NotEmpty(t, validationErrors(t, err))
		})
	}
}

func TestLoad_SchemaVersion(t *testing.T) {
	_, err := NewLoader().Decode([]byte(`schema_version: "2.0.0", name: "x"`), FormatCUE, "x.cue")
	verrs := validationErrors(t, err)
	assert.Equal(t, "schema_version", verrs[0].Path)
	assert.Contains(t, verrs[0].Message, "not supported")
}

func TestLoad_CrossReferences(t *testing.T) {
	content := `
schema_version: "1.0.0"
name:           "x"
components: [
	{name: "ingest", config: "ingest-missing", depends_on: ["db"]},
	{name: "keys"},
]
configs: [
	{name: "ingest", family: "ingest", component: "nobody"},
	{name: "keys", family: "keys", component: "keys"},
]
`
	_, err := NewLoader().Decode([]byte(content), FormatCUE, "x.cue")
	verrs := validationErrors(t, err)

	messages := make([]string, len(verrs))
	for i, e := range verrs {
		messages[i] = e.String()
	}
	assert.Contains(t, messages, `configs[0].component: unknown component "nobody"`)
	assert.Contains(t, messages, `configs[0].family: family ingest needs secret "mq.admin"`)
	assert.Contains(t, messages, `configs[1].component: component "keys" has no certificate`)
	assert.Contains(t, messages, `configs[1].family: family keys needs secret "keys.passphrase"`)
	assert.Contains(t, messages, `components[0].config: unknown config "ingest-missing"`)
	assert.Contains(t, messages, `components[0].depends_on: unknown component "db"`)
}

func TestLoad_DuplicateNames(t *testing.T) {
	_, err := NewLoader().Decode([]byte(`schema_version: "1.0.0", name: "x", secrets: [{name: "a"}, {name: "a"}]`), FormatCUE, "x.cue")
	verrs := validationErrors(t, err)
	assert.Equal(t, "secrets", verrs[0].Path)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := NewLoader().Load(writeFile(t, "lega.toml", ""))
	assert.True(t, engine.IsValidation(err))
}

func TestDefault_RoundTrips(t *testing.T) {
	l := NewLoader()
	d := Default()
	require.Empty(t, l.Validate(d))

	for _, format := range []Format{FormatYAML, FormatCUE} {
		t.Run(string(format), func(t *testing.T) {
			data, err := l.Marshal(d, format)
			require.NoError(t, err)

			back, err := l.Decode(data, format, "lega."+string(format))
			require.NoError(t, err)
			assert.Equal(t, d, back)
		})
	}
}

func TestLoad_SecretAlphabet(t *testing.T) {
	for _, alphabet := range []string{"ab cd", "ab`cd", `ab"cd`, "ab'cd", "ab\tcd"} {
		content := "schema_version: 1.0.0\nname: x\nsecrets:\n  - name: a\n    alphabet: " + strconv.Quote(alphabet) + "\n"
		_, err := NewLoader().Decode([]byte(content), FormatYAML, "x.yaml")
		verrs := validationErrors(t, err)
		require.Len(t, verrs, 1, alphabet)
		assert.Equal(t, "secrets[0].alphabet", verrs[0].Path)
	}

	content := "schema_version: 1.0.0\nname: x\nsecrets:\n  - name: a\n    alphabet: \"abc#;=%\"\n"
	d, err := NewLoader().Decode([]byte(content), FormatYAML, "x.yaml")
	require.NoError(t, err)
	assert.Equal(t, "abc#;=%", d.Secrets[0].Alphabet)
}
