// Package registry maps a service name to its concurrency policy and
// handler.
package registry

import (
	"github.com/pkg/errors"

	"github.com/fairqueue/scheduler/internal/handler"
)

// Policy is the per-service configuration of §4.2: a concurrency cap,
// a per-SKU candidate limit, and the handler to dispatch claimed rows
// to.
type Policy struct {
	ServiceName    string
	PerSKULimit    int
	MaxConcurrency int
	Handler        handler.Handler
}

// Registry resolves a service name to its Policy.
type Registry struct {
	policies map[string]Policy
	order    []string
}

// New builds a Registry from policies, preserving the order they were
// supplied in for the poller's deterministic service iteration.
func New(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if p.ServiceName == "" {
			return nil, errors.New("registry: empty service_name")
		}
		if p.PerSKULimit < 1 {
			return nil, errors.Errorf("registry: %s: per_sku_limit must be >= 1", p.ServiceName)
		}
		if p.MaxConcurrency < 1 {
			return nil, errors.Errorf("registry: %s: max_concurrency must be >= 1", p.ServiceName)
		}
		if p.Handler == nil {
			return nil, errors.Errorf("registry: %s: handler is required", p.ServiceName)
		}
		if _, exists := r.policies[p.ServiceName]; exists {
			return nil, errors.Errorf("registry: duplicate service_name %s", p.ServiceName)
		}
		r.policies[p.ServiceName] = p
		r.order = append(r.order, p.ServiceName)
	}
	return r, nil
}

// Lookup returns the Policy registered for service.
func (r *Registry) Lookup(service string) (Policy, bool) {
	p, ok := r.policies[service]
	return p, ok
}

// Services returns every registered service name in configuration
// order.
func (r *Registry) Services() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
