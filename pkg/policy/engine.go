package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// catalogPath is where SetReference stores the reference catalog, readable by
// policies as data.draftsync.catalog.
var catalogPath = storage.MustParsePath("/draftsync/catalog")

// Engine evaluates Rego policies against challenge commits. It implements
// engine.CommitPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string
	store    storage.Store
	loader   *Loader
	clock    engine.Clock
	recorder ViolationRecorder
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for the evaluation timestamp.
func WithClock(c engine.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// ViolationRecorder counts policy findings, typically as a metric.
type ViolationRecorder interface {
	RecordPolicyViolation(policy, severity string)
}

// WithViolationRecorder reports every violation and warning found by Evaluate.
func WithViolationRecorder(r ViolationRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(map[string]interface{}{"draftsync": map[string]interface{}{}}),
		loader:   NewLoader(logger),
		clock:    engine.SystemClock{},
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	compiled, err := e.compileAll(context.Background(), GetBuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = compiled

	e.logger.Info().Int("count", len(compiled)).Msg("Built-in policies loaded")
	return e, nil
}

// EvaluateCommit returns a *DeniedError when a blocking violation is found.
// Warnings are logged and never block.
func (e *Engine) EvaluateCommit(ctx context.Context, status engine.Status, payload engine.Challenge) error {
	result, err := e.Evaluate(ctx, status, payload)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("challenge", payload.ID).
			Str("status", string(status)).
			Msg(w.Message)
	}
	if !result.Allowed {
		return &DeniedError{Status: status, Violations: result.Violations}
	}
	return nil
}

// Evaluate runs every enabled policy that applies to status against payload.
// A policy that fails to evaluate is reported as a warning.
func (e *Engine) Evaluate(ctx context.Context, status engine.Status, payload engine.Challenge) (*Result, error) {
	start := time.Now()
	now := e.clock.Now()
	input := Input{
		Challenge: payload,
		Context: Context{
			Operation: operationFor(status),
			Status:    status,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, Evaluated: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || !cp.policy.AppliesTo(status) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("challenge", payload.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = now
	result.Duration = time.Since(start)
	if e.recorder != nil {
		for _, v := range append(append([]Violation{}, result.Violations...), result.Warnings...) {
			e.recorder.RecordPolicyViolation(v.Policy, string(v.Severity))
		}
	}
	e.logger.Debug().
		Str("challenge", payload.ID).
		Str("status", string(status)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Commit policy evaluation completed")
	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
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
			violations = append(violations, newViolation(&cp.policy, d))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

func newViolation(policy *Policy, result interface{}) Violation {
	v := Violation{Policy: policy.Name, Severity: policy.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && checkSeverity(Severity(sev)) == nil {
			v.Severity = Severity(sev)
		}
		if field, ok := r["field"].(string); ok {
			v.Field = field
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compile prepares the policy's deny query against the engine store.
func (e *Engine) compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAll compiles policies into a new set. A later policy replaces an
// earlier one of the same name.
func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	out := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		out[p.Name] = cp
	}
	return out, nil
}

// LoadPolicies loads custom policies from paths on top of the built-ins. Custom
// policies replace built-ins of the same name. Nothing changes when any file
// fails to load or compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loaded, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.install(ctx, loaded); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()
	return nil
}

// install replaces the policy set with the built-ins plus custom, keeping the
// enabled flag of policies that were toggled at runtime.
func (e *Engine) install(ctx context.Context, custom []Policy) error {
	compiled, err := e.compileAll(ctx, append(GetBuiltinPolicies(), custom...))
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range compiled {
		if prev, ok := e.policies[name]; ok && prev.policy.Source == cp.policy.Source {
			cp.policy.Enabled = prev.policy.Enabled
		}
	}
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().
		Int("custom", len(custom)).
		Int("total", len(compiled)).
		Msg("Policies installed")
	return nil
}

// ReloadPolicies reloads the custom policies from the paths last given to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return e.install(ctx, nil)
	}
	e.loader.ClearCache()
	return e.LoadPolicies(ctx, paths)
}

// Watch reloads custom policies when their files change, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.install(ctx, policies)
	})
}

// SetReference makes ref readable by policies as data.draftsync.catalog.
func (e *Engine) SetReference(ctx context.Context, ref *engine.ReferenceData) error {
	if ref == nil {
		return nil
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, catalogPath, doc); err != nil {
		return fmt.Errorf("failed to store catalog: %w", err)
	}
	return nil
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, e.policies[name].policy)
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

// sortedNames must be called with mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
