// Package registry implements the Controller Registry: exactly one
// Controller instance per Transport ID, looked up and created on
// demand, grounded on staslib/service.py's _Controllers dict-based
// bookkeeping.
package registry

import (
	"sort"
	"sync"

	"github.com/fenio/nvme-stasd/internal/trid"
)

// Controller is the narrow surface the registry needs from a
// controller instance — defined here rather than imported from
// internal/controller, so this package does not depend on it and any
// type with these two methods can be registered (the tests register
// fakes).
type Controller interface {
	TID() trid.ID
	Close()
}

// Registry holds exactly one Controller per Transport ID.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{controllers: make(map[string]Controller)}
}

// Get returns the Controller registered for tid, if any.
func (r *Registry) Get(tid trid.ID) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[tid.Key()]
	return c, ok
}

// Insert registers the Controller produced by factory for tid, unless
// one is already registered — in which case factory is never called
// and the existing Controller is returned. This makes Insert idempotent
// under concurrent reconciliation passes that both decide the same TID
// needs a Controller.
func (r *Registry) Insert(tid trid.ID, factory func() Controller) Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.controllers[tid.Key()]; ok {
		return existing
	}
	c := factory()
	r.controllers[tid.Key()] = c
	return c
}

// Remove closes and unregisters the Controller for tid, if present.
func (r *Registry) Remove(tid trid.ID) {
	r.mu.Lock()
	c, ok := r.controllers[tid.Key()]
	if ok {
		delete(r.controllers, tid.Key())
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// All returns a stable-ordered snapshot of every registered Controller,
// used both for LKC persistence and for IPC introspection.
func (r *Registry) All() []Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID().Key() < out[j].TID().Key() })
	return out
}

// Len reports how many controllers are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// TIDs returns the Transport IDs of every registered Controller,
// sorted for deterministic snapshot output.
func (r *Registry) TIDs() []trid.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]trid.ID, 0, len(r.controllers))
	for _, c := range r.controllers {
		ids = append(ids, c.TID())
	}
	trid.SortByKey(ids)
	return ids
}
