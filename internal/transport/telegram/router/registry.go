package router

import (
	"maps"
	"sync"

	rtsup "cronbot/internal/runtime/supervisor"
)

// SupervisorRegistry names the supervisors of running subsystems so
// /status can report their workers.
type SupervisorRegistry struct {
	mu   sync.RWMutex
	sups map[string]*rtsup.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{sups: map[string]*rtsup.Supervisor{}}
}

// Set registers sup under name; a nil sup removes the entry.
func (r *SupervisorRegistry) Set(name string, sup *rtsup.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if sup == nil {
		delete(r.sups, name)
	} else {
		r.sups[name] = sup
	}
	r.mu.Unlock()
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

// Snapshot copies the current entries.
func (r *SupervisorRegistry) Snapshot() map[string]*rtsup.Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.sups)
}
