package service

import (
	"fmt"
	"sync"
)

// Info is the registry's view of one service at a point in time.
type Info struct {
	Metadata Metadata `json:"metadata"`
	Enabled  bool     `json:"enabled"`
	Healthy  bool     `json:"healthy"`
}

// Snapshot is an immutable, ordered view of the registry. Order follows
// declaration order in configuration, which the router uses as the
// deterministic tie-break. Snapshots are safe to pass across goroutines;
// routing against a snapshot never observes a mid-flight health update.
type Snapshot struct {
	services []Info
	byName   map[string]int
}

// Services returns the snapshot entries in declaration order.
func (s *Snapshot) Services() []Info {
	return s.services
}

// Get looks up one service by name.
func (s *Snapshot) Get(name string) (Info, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return Info{}, false
	}
	return s.services[idx], true
}

// Eligible reports whether the named service is registered, enabled, and
// healthy.
func (s *Snapshot) Eligible(name string) bool {
	info, ok := s.Get(name)
	return ok && info.Enabled && info.Healthy
}

// NewSnapshot builds a snapshot directly from service infos, for callers
// that do not hold a registry.
func NewSnapshot(services []Info) *Snapshot {
	snap := &Snapshot{byName: make(map[string]int, len(services))}
	for i, info := range services {
		snap.services = append(snap.services, info)
		snap.byName[info.Metadata.Name] = i
	}
	return snap
}

// Registry holds the configured adapters plus their live enabled/healthy
// flags. It is read-mostly: the health checker refreshes flags out of band,
// request handling only reads snapshots. Adapters themselves are immutable
// after registration.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
	enabled  map[string]bool
	healthy  map[string]bool
}

// NewRegistry builds a registry from the configured services, preserving
// declaration order. Services start unhealthy until the first check passes.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter),
		enabled:  make(map[string]bool),
		healthy:  make(map[string]bool),
	}
	for _, cfg := range configs {
		if _, exists := r.adapters[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate service name %q", cfg.Name)
		}
		adapter, err := NewAdapter(cfg)
		if err != nil {
			return nil, err
		}
		r.order = append(r.order, cfg.Name)
		r.adapters[cfg.Name] = adapter
		r.enabled[cfg.Name] = cfg.Enabled
		r.healthy[cfg.Name] = false
	}
	return r, nil
}

// Register adds an adapter outside the config path. Like configured
// services it starts unhealthy until a check passes.
func (r *Registry) Register(adapter Adapter, enabled bool) error {
	name := adapter.Metadata().Name
	if name == "" {
		return fmt.Errorf("adapter has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("duplicate service name %q", name)
	}
	r.order = append(r.order, name)
	r.adapters[name] = adapter
	r.enabled[name] = enabled
	r.healthy[name] = false
	return nil
}

// Adapter returns the adapter for a service name.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered service names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetEnabled flips a service's enabled flag. Used by config hot reload.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		r.enabled[name] = enabled
	}
}

// setHealthy records a health check outcome and reports whether the flag
// changed. Only the health checker calls this.
func (r *Registry) setHealthy(name string, healthy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return false
	}
	changed := r.healthy[name] != healthy
	r.healthy[name] = healthy
	return changed
}

// Snapshot captures the current registry state for routing.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{byName: make(map[string]int, len(r.order))}
	for i, name := range r.order {
		snap.services = append(snap.services, Info{
			Metadata: r.adapters[name].Metadata(),
			Enabled:  r.enabled[name],
			Healthy:  r.healthy[name],
		})
		snap.byName[name] = i
	}
	return snap
}
