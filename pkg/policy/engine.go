package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kismet-tech/aiready/pkg/engine"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// defaultPackage is queried when a policy declares no package.
const defaultPackage = "aiready.policies"

// Engine evaluates candidate strategies against Rego admission policies.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	environment string
	logger      zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared for reuse.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies compiled but disabled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetEnvironment sets the environment name passed to policies as input.context.environment.
func (e *Engine) SetEnvironment(env string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.environment = env
}

// Admit evaluates every enabled policy against each candidate and returns one
// decision per candidate, in order. A policy that fails to evaluate is logged
// and skipped rather than denying the strategy.
func (e *Engine) Admit(ctx context.Context, desc *engine.EndpointDescriptor, report *engine.CapabilityReport, candidates []engine.Strategy) ([]Decision, error) {
	if desc == nil {
		return nil, engine.NewPermanentError("policy admission requires a descriptor", nil).WithCode(engine.ErrCodeValidation)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	decisions := make([]Decision, 0, len(candidates))
	for _, s := range candidates {
		d, err := e.evaluate(ctx, NewInput(desc, s, report, e.environment))
		if err != nil {
			return nil, err
		}
		d.StrategyID = s.ID
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Evaluate runs every enabled policy against a single input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, err := e.evaluate(ctx, input)
	d.StrategyID = engine.StrategyID(input.Strategy.ID)
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, input *Input) (Decision, error) {
	start := time.Now()
	d := Decision{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		d.EvaluatedPolicies = append(d.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return d, engine.NewTransientError("policy evaluation cancelled", ctx.Err()).WithCode(engine.ErrCodeTimeout)
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("strategy", input.Strategy.ID).
				Msg("Policy evaluation failed")
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				d.Allowed = false
				d.Violations = append(d.Violations, v)
			} else {
				d.Warnings = append(d.Warnings, v)
			}
		}
	}

	e.logger.Debug().
		Str("path", input.Endpoint.Path).
		Str("strategy", input.Strategy.ID).
		Bool("allowed", d.Allowed).
		Int("violations", len(d.Violations)).
		Dur("duration", time.Since(start)).
		Msg("Strategy admission evaluated")
	return d, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation converts one member of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	for _, line := range strings.Split(rego, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return defaultPackage
}

// compile parses policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	policy.LoadedAt = time.Now().UTC()
	return &compiledPolicy{policy: policy, query: query}, nil
}

// AddPolicy compiles and installs policy, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	if policy.Name == "" {
		return engine.NewPermanentError("policy name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	cp, err := compile(ctx, &policy)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("failed to compile policy %s", policy.Name), err).
			WithCode(engine.ErrCodeValidation)
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Bool("enabled", policy.Enabled).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads .rego and .json policy files, enabled, from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// ReplaceLoaded drops every file-backed policy and installs policies instead.
// It is the reload callback for Loader.Watch.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// loadBuiltinPolicies compiles the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
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
	cp, ok := e.policies[name]
	if !ok {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames returns policy names in a stable order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
