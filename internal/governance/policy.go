package governance

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes an input action about to reach the actuator.
type Request struct {
	Action    string
	Arguments string
	SessionID string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates actuator calls against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies listed actions and any call whose serialized
// arguments match a denied pattern.
type DefaultPolicyEngine struct {
	mu            sync.RWMutex
	deniedActions map[string]bool
	deniedRegex   []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		deniedActions: make(map[string]bool),
	}
}

// NewPolicyEngine builds an engine from deny lists, failing on the first
// pattern that does not compile.
func NewPolicyEngine(actions, patterns []string) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, a := range actions {
		e.DenyAction(a)
	}
	for _, p := range patterns {
		if err := e.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("invalid policy pattern %q: %w", p, err)
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyAction(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deniedActions[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deniedRegex = append(e.deniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.deniedActions[req.Action] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("action '%s' is restricted by system policy", req.Action),
		}, nil
	}

	for _, re := range e.deniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "approved by default policy",
	}, nil
}
