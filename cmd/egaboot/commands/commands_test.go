package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// run executes the CLI with args against a fresh command tree.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initDeployment(t *testing.T) (cfg, root string) {
	t.Helper()
	dir := t.TempDir()
	cfg = filepath.Join(dir, "egaboot.yaml")
	_, err := run(t, "init", "-c", cfg)
	require.NoError(t, err)
	return cfg, filepath.Join(dir, "private")
}

func TestInit(t *testing.T) {
	cfg, _ := initDeployment(t)

	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# LocalEGA deployment"))
	assert.Contains(t, string(data), "name: lega")

	_, err = run(t, "init", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, engine.ExitValidation, engine.ExitCode(err))

	_, err = run(t, "init", "-c", cfg, "--force")
	assert.NoError(t, err)
}

func TestInit_CUE(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "lega.cue")
	_, err := run(t, "init", "-c", cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "// LocalEGA deployment"))

	out, err := run(t, "validate", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "deployment lega:")
}

func TestValidate(t *testing.T) {
	cfg, root := initDeployment(t)

	out, err := run(t, "validate", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "deployment lega: 22 artifacts")

	out, err = run(t, "validate", "-c", cfg, "--json")
	require.NoError(t, err)
	var report validationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 22, report.Artifacts)

	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err), "validate must not create the output root")
}

func TestValidate_PolicyViolation(t *testing.T) {
	cfg, root := initDeployment(t)
	policyPath := filepath.Join(filepath.Dir(cfg), "freeze.rego")
	require.NoError(t, os.WriteFile(policyPath, []byte(`# Deployments are frozen.
# severity: error
package site.freeze

import rego.v1

deny contains "changes are frozen" if {
	input.deployment.name == "lega"
}
`), 0o644))

	out, err := run(t, "validate", "-c", cfg, "--policy", policyPath)
	require.Error(t, err)
	assert.Equal(t, engine.ExitValidation, engine.ExitCode(err))
	assert.Contains(t, out, "changes are frozen")

	_, err = run(t, "build", "-c", cfg, "--policy", policyPath)
	require.Error(t, err)
	assert.Equal(t, engine.ExitValidation, engine.ExitCode(err))
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildLifecycle(t *testing.T) {
	cfg, root := initDeployment(t)

	out, err := run(t, "build", "-c", cfg, "-j", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "22 built")
	assert.FileExists(t, filepath.Join(root, "ca", "root.cert.pem"))
	assert.FileExists(t, filepath.Join(root, engine.ManifestFile))

	out, err = run(t, "build", "-c", cfg, "--json")
	require.NoError(t, err)
	var report runReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, 0, report.Built)
	assert.Len(t, report.Targets, 22)

	out, err = run(t, "status", "-c", cfg, "--json")
	require.NoError(t, err)
	var status struct {
		Artifacts []engine.ArtifactState `json:"artifacts"`
		Runs      []engine.RunRecord     `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Len(t, status.Artifacts, 22)
	for _, st := range status.Artifacts {
		assert.True(t, st.Fresh, st.ID)
	}
	require.NotEmpty(t, status.Runs)
	assert.Equal(t, 22, status.Runs[0].Built)

	out, err = run(t, "verify", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "all artifacts verified")

	out, err = run(t, "graph", "-c", cfg, "confs/ingest")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph"))
	assert.Contains(t, out, "secrets/db.lega")

	out, err = run(t, "clean", "-c", cfg, "secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "removed secrets/db.lega")
	assert.NoFileExists(t, filepath.Join(root, "secrets", "db.lega"))

	out, err = run(t, "status", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, engine.ReasonNeverBuilt)

	_, err = run(t, "build", "-c", cfg, "secrets")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "secrets", "db.lega"))

	_, err = run(t, "clean-all", "-c", cfg)
	require.NoError(t, err)
	assert.NoDirExists(t, root)
}

func TestVerify_DetectsPermissionDrift(t *testing.T) {
	cfg, root := initDeployment(t)
	_, err := run(t, "build", "-c", cfg, "secrets")
	require.NoError(t, err)

	require.NoError(t, os.Chmod(filepath.Join(root, "secrets", "mq.admin"), 0o644))

	out, err := run(t, "verify", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, engine.ExitFailure, engine.ExitCode(err))
	assert.Contains(t, out, "secrets/mq.admin")
}

func TestBuild_UnknownTarget(t *testing.T) {
	cfg, _ := initDeployment(t)

	_, err := run(t, "build", "-c", cfg, "secrets/nope")
	require.Error(t, err)
	assert.Equal(t, engine.ExitValidation, engine.ExitCode(err))
}

func TestBuild_ParallelismHelp(t *testing.T) {
	flag := newBuildCommand().Flags().Lookup("parallelism")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Usage, "artifacts ready at start")
	assert.Contains(t, flag.Usage, fmt.Sprintf("at most %d", engine.DefaultMaxParallelism))
	assert.NotContains(t, flag.Usage, "CPU")
}

func TestCleanAll_RespectsRunLock(t *testing.T) {
	cfg, root := initDeployment(t)
	_, err := run(t, "build", "-c", cfg, "secrets")
	require.NoError(t, err)

	ws, err := engine.OpenWorkspace(root)
	require.NoError(t, err)
	lock, err := ws.AcquireLock("other-run")
	require.NoError(t, err)

	_, err = run(t, "clean-all", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, engine.ExitConcurrent, engine.ExitCode(err))
	assert.FileExists(t, filepath.Join(root, "secrets", "db.lega"))
	assert.FileExists(t, filepath.Join(root, engine.ManifestFile))

	require.NoError(t, lock.Release())
	_, err = run(t, "clean-all", "-c", cfg)
	require.NoError(t, err)
	assert.NoDirExists(t, root)
}
