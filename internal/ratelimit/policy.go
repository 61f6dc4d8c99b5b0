package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"admission-service/internal/config"
)

// ErrUnknownPolicy means a call site referenced a policy that was never
// registered. This is a deploy-time defect; callers fail closed on it.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Policy is one immutable admission policy. Instances are created at startup
// and shared read-only for the process lifetime.
type Policy struct {
	Name             string
	Window           time.Duration
	MaxRequests      int
	BlockDuration    time.Duration
	ProgressiveDelay bool
}

// Registry maps policy names to policies. It is populated once and never
// mutated, so lookups need no locking.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds the registry from startup configuration.
func NewRegistry(configs []config.PolicyConfig) (*Registry, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rate limit policies configured")
	}

	policies := make(map[string]Policy, len(configs))
	for _, pc := range configs {
		if pc.Name == "" {
			return nil, errors.New("policy with empty name")
		}
		if _, exists := policies[pc.Name]; exists {
			return nil, fmt.Errorf("duplicate policy %q", pc.Name)
		}
		if pc.Window <= 0 {
			return nil, fmt.Errorf("policy %q: window must be positive", pc.Name)
		}
		if pc.MaxRequests <= 0 {
			return nil, fmt.Errorf("policy %q: max requests must be positive", pc.Name)
		}
		if pc.BlockDuration < 0 {
			return nil, fmt.Errorf("policy %q: block duration cannot be negative", pc.Name)
		}
		policies[pc.Name] = Policy{
			Name:             pc.Name,
			Window:           pc.Window,
			MaxRequests:      pc.MaxRequests,
			BlockDuration:    pc.BlockDuration,
			ProgressiveDelay: pc.ProgressiveDelay,
		}
	}

	return &Registry{policies: policies}, nil
}

// Get resolves a policy by name. Unknown names return ErrUnknownPolicy.
func (r *Registry) Get(name string) (Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names returns the registered policy names, sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
