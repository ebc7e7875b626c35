// Package health aggregates per-dependency probes (postgres, redis,
// chain RPC) behind the readiness endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the result of probing one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single dependency. It should honor ctx deadlines;
// a hung probe blocks the whole readiness response.
type Checker func(ctx context.Context) Status

// Registry runs registered probes on demand. Probes register once at
// wiring time, so only development setups with no backing services
// leave it empty.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every probe in registration order. healthy is false
// if any single probe fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		statuses[i] = p.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
