package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modrunner/pkg/module"
)

// ViolationHook observes every violation found during admission.
type ViolationHook func(v Violation)

// Engine evaluates Rego policies against module descriptors. It implements
// module.Admission.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	logger      zerolog.Logger
	environment string
	onViolation ViolationHook
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEnvironment sets input.context.environment.
func WithEnvironment(env string) EngineOption {
	return func(e *Engine) { e.environment = env }
}

// WithViolationHook registers a hook called for each violation.
func WithViolationHook(h ViolationHook) EngineOption {
	return func(e *Engine) { e.onViolation = h }
}

var _ module.Admission = (*Engine)(nil)

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Admit evaluates d and returns a POLICY_DENIED error when a blocking
// violation is found. Non-blocking violations are logged.
func (e *Engine) Admit(ctx context.Context, d *module.Descriptor) error {
	result, err := e.Evaluate(ctx, d)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		e.logger.Warn().
			Str("module", d.ID).
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
		if e.onViolation != nil {
			e.onViolation(v)
		}
	}

	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	msgs := make([]string, 0, len(blocking))
	for _, v := range blocking {
		msgs = append(msgs, v.Message)
	}
	me := &module.Error{
		Class:    module.ErrorClassConfig,
		Code:     module.CodePolicyDenied,
		ModuleID: d.ID,
		Message:  "denied by policy: " + strings.Join(msgs, "; "),
	}
	return me.WithDetail("policies", policyNames(blocking))
}

// Evaluate evaluates every enabled policy against d.
func (e *Engine) Evaluate(ctx context.Context, d *module.Descriptor) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input, err := toInputDocument(&Input{
		Module: d,
		Context: &Context{
			OS:          runtime.GOOS,
			Arch:        runtime.GOARCH,
			Environment: e.environment,
			Operation:   "admit",
			Timestamp:   startTime,
		},
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input, d.ID)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("module", d.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("module", d.ID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Module policy evaluation completed")

	return result, nil
}

// LoadPolicies loads and compiles policy files. A policy with the name of
// an already loaded policy replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// AddPolicy compiles and adds a single policy.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &p)
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}, moduleID string) ([]Violation, error) {
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
			violations = append(violations, createViolation(cp.policy, d, moduleID))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny set member, which is
// either a message string or an object with message and severity.
func createViolation(p *Policy, result interface{}, moduleID string) Violation {
	violation := Violation{
		Policy:   p.Name,
		ModuleID: moduleID,
		Severity: p.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		for k, val := range v {
			if k == "message" || k == "severity" {
				continue
			}
			if violation.Details == nil {
				violation.Details = make(map[string]interface{})
			}
			violation.Details[k] = val
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	parsed, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(parsed.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
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

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toInputDocument converts the input to the plain JSON document Rego sees.
func toInputDocument(in *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func policyNames(vs []Violation) []string {
	names := make([]string, 0, len(vs))
	for _, v := range vs {
		names = append(names, v.Policy)
	}
	return names
}
