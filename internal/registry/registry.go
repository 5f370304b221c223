// Package registry provides the in-memory union of all tools discovered
// across backends. It is rebuilt from the backends on every start; nothing
// here is persisted.
package registry

import (
	"sort"
	"sync"

	"github.com/toolgate/toolgate/internal/model"
)

// Registry stores Tool records keyed by fully-qualified id. A read/write
// mutex serializes writers; readers share the read lock, so they wait while a
// write is in progress, and receive copied snapshots that later writes do not
// change.
type Registry struct {
	mu sync.RWMutex

	// tools maps tool id -> record.
	tools map[string]*model.Tool
	// byServer maps server name -> ids published by that server, kept so a
	// per-server replace can remove exactly the old set.
	byServer map[string][]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]*model.Tool),
		byServer: make(map[string][]string),
	}
}

// ReplaceServer atomically swaps all tools for one server with the given
// set. Readers observe either the old or the new full set, never a mix.
func (r *Registry) ReplaceServer(server string, tools []*model.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byServer[server] {
		delete(r.tools, id)
	}

	ids := make([]string, 0, len(tools))
	for _, t := range tools {
		r.tools[t.ID] = t
		ids = append(ids, t.ID)
	}
	r.byServer[server] = ids
}

// RemoveServer deletes all tools for the given server.
func (r *Registry) RemoveServer(server string) {
	r.ReplaceServer(server, nil)
	r.mu.Lock()
	delete(r.byServer, server)
	r.mu.Unlock()
}

// Get returns the tool with the given id, or nil if unknown.
func (r *Registry) Get(id string) *model.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[id]
}

// All returns a snapshot of every tool, sorted by id for determinism.
func (r *Registry) All() []*model.Tool {
	r.mu.RLock()
	snapshot := make([]*model.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		snapshot = append(snapshot, t)
	}
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// ByServer returns a snapshot of the tools published by one server, sorted by id.
func (r *Registry) ByServer(server string) []*model.Tool {
	r.mu.RLock()
	ids := r.byServer[server]
	snapshot := make([]*model.Tool, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.tools[id]; ok {
			snapshot = append(snapshot, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// CountByServer returns the number of tools per server.
func (r *Registry) CountByServer() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.byServer))
	for server, ids := range r.byServer {
		counts[server] = len(ids)
	}
	return counts
}

// Len returns the total number of tools in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetEmbedding caches an embedding on the tool record, single-writer under
// the registry write lock. The registry treats the vector as opaque. The
// write is dropped silently if the tool was replaced in the meantime; the
// replacement will be re-encoded on its next discovery touch.
func (r *Registry) SetEmbedding(id string, vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tools[id]; ok && t.Embedding == nil {
		t.Embedding = vec
	}
}
