package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ega-archive/egaboot/pkg/config"
)

const siteRego = `# Site rules for the staging archive.
# severity: error
package site.staging

import rego.v1

deny contains violation if {
	not input.deployment.docker_secrets
	violation := {"message": "staging must use docker secrets", "subject": "deployment"}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging.rego")
	writeFile(t, path, siteRego)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "staging" {
		t.Errorf("Expected name staging, got %s", p.Name)
	}
	if p.Description != "Site rules for the staging archive." {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Severity != SeverityError || !p.Enabled || p.Source != path {
		t.Errorf("Unexpected policy %+v", p)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	writeFile(t, path, `{"name": "json-policy", "description": "from json", "rego": "package j\n"}`)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	p := policies[0]
	if p.Name != "json-policy" || p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("Unexpected policy %+v", p)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, `{`)
	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{bad}); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("Expected lexical path order, got %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths([]string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadInto(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "staging.rego"), siteRego)

	ctx := context.Background()
	eng := newTestEngine(t)
	n, err := NewLoader(zerolog.Nop()).LoadInto(ctx, eng, []string{dir})
	if err != nil {
		t.Fatalf("LoadInto failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 policy loaded, got %d", n)
	}

	d := config.Default()
	result, err := eng.Evaluate(ctx, d)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed() {
		t.Error("Expected the site policy to reject the deployment")
	}

	d.DockerSecrets = true
	result, err = eng.Evaluate(ctx, d)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed() {
		t.Errorf("Unexpected violations: %v", result.Violations)
	}
}
