package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Built-in policy names.
const (
	PolicyGenerate     = "generate"
	PolicyBulkGenerate = "bulk_generate"
	PolicyAI           = "ai"
)

// Policy is the quota applied to one feature: at most Limit admissions per Window.
type Policy struct {
	Name   string        `json:"name"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// NewPolicy builds a validated policy.
func NewPolicy(name string, limit int, window time.Duration) (Policy, error) {
	p := Policy{Name: name, Limit: limit, Window: window}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// MinWindow is the shortest window a policy may use. Windows are tracked
// with millisecond precision.
const MinWindow = time.Millisecond

// Validate rejects policies that could never admit a request or never reset.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return &ValidationError{Policy: p.Name, Field: "limit", Message: fmt.Sprintf("must be positive, got %d", p.Limit)}
	}
	if p.Window <= 0 {
		return &ValidationError{Policy: p.Name, Field: "window", Message: fmt.Sprintf("must be positive, got %s", p.Window)}
	}
	if p.Window < MinWindow {
		return &ValidationError{Policy: p.Name, Field: "window", Message: fmt.Sprintf("must be at least %s, got %s", MinWindow, p.Window)}
	}
	return nil
}

// DefaultPolicies returns the built-in feature quotas.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyGenerate:     {Name: PolicyGenerate, Limit: 20, Window: time.Minute},
		PolicyBulkGenerate: {Name: PolicyBulkGenerate, Limit: 5, Window: time.Minute},
		PolicyAI:           {Name: PolicyAI, Limit: 30, Window: time.Minute},
	}
}

// PolicySet is an immutable, validated set of policies keyed by name.
type PolicySet struct {
	policies map[string]Policy
}

// NewPolicySet merges overrides onto the built-in policies and validates the
// result. A zero Limit or Window in an override of a built-in policy keeps
// the built-in value.
func NewPolicySet(overrides map[string]Policy) (*PolicySet, error) {
	merged := DefaultPolicies()
	for name, p := range overrides {
		if p.Name == "" {
			p.Name = name
		}
		if base, ok := merged[name]; ok {
			if p.Limit == 0 {
				p.Limit = base.Limit
			}
			if p.Window == 0 {
				p.Window = base.Window
			}
		}
		merged[name] = p
	}

	for _, p := range merged {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return &PolicySet{policies: merged}, nil
}

// Get returns the policy registered under name.
func (s *PolicySet) Get(name string) (Policy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

// MustGet returns the named policy and panics if it is missing.
func (s *PolicySet) MustGet(name string) Policy {
	p, ok := s.policies[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unknown policy %q", name))
	}
	return p
}

// All returns the policies sorted by name.
func (s *PolicySet) All() []Policy {
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Key builds the window key for a feature and caller.
func Key(feature, callerID string) string {
	return feature + ":" + callerID
}
