package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const severityDirective = "severity:"

// Loader reads site policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads policies from files and directories, walking
// directories recursively in lexical order.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	policies := make([]Policy, 0)
	for _, path := range paths {
		loaded, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Debug().Int("total", len(policies)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return policies, nil
}

// LoadInto loads policies from paths and adds them to e.
func (l *Loader) LoadInto(ctx context.Context, e *Engine, paths []string) (int, error) {
	policies, err := l.LoadFromPaths(paths)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if err := e.AddPolicy(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(policies), nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	files := make([]string, 0)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(p, ".rego") || strings.HasSuffix(p, ".json")) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, f := range files {
		p, err := l.loadFromFile(f)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRegoFile(path, data)
	case ".json":
		if p, err = parseJSONFile(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRegoFile names the policy after the file. Leading comments become the
// description; a "# severity: error" line sets the severity.
func parseRegoFile(path string, data []byte) *Policy {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if strings.HasPrefix(comment, severityDirective) {
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, severityDirective)))
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

func parseJSONFile(data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &p, nil
}
