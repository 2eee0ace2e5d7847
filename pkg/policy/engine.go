package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/ega-archive/egaboot/pkg/config"
)

// Limits are the thresholds the built-in policies read from
// data.egaboot.limits.
type Limits struct {
	MinSecretLength int `json:"min_secret_length"`
	MinAlphabet     int `json:"min_alphabet"`
	MaxValidityDays int `json:"max_validity_days"`
	MinUID          int `json:"min_uid"`
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{
		MinSecretLength: 16,
		MinAlphabet:     32,
		MaxValidityDays: 3650,
		MinUID:          1000,
	}
}

var limitsPath = storage.MustParsePath("/egaboot/limits")

// Engine evaluates Rego policies against deployment descriptors.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies and default limits.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	limits, err := toJSONValue(DefaultLimits())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"egaboot": map[string]interface{}{"limits": limits},
		}),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.AddPolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")

	return e, nil
}

// AddPolicy compiles p and adds it, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: &p, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Str("package", module.Package.Path.String()).Msg("Policy compiled")
	return nil
}

// SetLimits replaces the thresholds seen by subsequent evaluations.
func (e *Engine) SetLimits(ctx context.Context, limits Limits) error {
	value, err := toJSONValue(limits)
	if err != nil {
		return err
	}
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, limitsPath, value); err != nil {
		return fmt.Errorf("failed to write limits: %w", err)
	}
	return nil
}

// Evaluate runs every enabled policy against d. Violations are ordered by
// subject, then message.
func (e *Engine) Evaluate(ctx context.Context, d *config.Deployment) (*Result, error) {
	start := time.Now()

	deployment, err := toJSONValue(d)
	if err != nil {
		return nil, err
	}
	input := map[string]interface{}{"deployment": deployment}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{EvaluatedAt: start.UTC(), Evaluated: make([]string, 0, len(e.policies))}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		result.Evaluated = append(result.Evaluated, name)
		result.Violations = append(result.Violations, violations...)
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("policies", len(result.Evaluated)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policies evaluated")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	violations := make([]Violation, 0)
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Subject != violations[j].Subject {
			return violations[i].Subject < violations[j].Subject
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// newViolation accepts either a bare message or an object with message,
// subject and severity keys.
func newViolation(p *Policy, value interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch val := value.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if subject, ok := val["subject"].(string); ok {
			v.Subject = subject
		}
		if sev, ok := val["severity"].(string); ok && Severity(sev).Valid() {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.namesLocked() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toJSONValue converts v into the plain maps and slices OPA stores and
// evaluates, honouring json tags.
func toJSONValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return out, nil
}
