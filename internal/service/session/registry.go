package session

import (
	"sync"
)

// Registry tracks live engines by session id so handlers can route follow-up
// requests (audio frames, transcript reads, teardown) to the right session.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
	}
}

// Add registers an engine. A previous engine under the same id is ended
// first; two live engines must never share a session id.
func (r *Registry) Add(engine *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.engines[engine.ID]; exists {
		old.End()
	}
	r.engines[engine.ID] = engine
}

// Get returns the engine for a session id.
func (r *Registry) Get(sessionID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, exists := r.engines[sessionID]
	return engine, exists
}

// Remove ends and unregisters one session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if engine, exists := r.engines[sessionID]; exists {
		engine.End()
		delete(r.engines, sessionID)
	}
}

// List returns the ids of all registered sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll ends every registered session; used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, engine := range r.engines {
		engine.End()
		delete(r.engines, id)
	}
}
