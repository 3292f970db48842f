package workingmemory

import (
	"sort"
	"sync"
)

// Registry maps session ids to live working memories.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	opts     []Option
}

type session struct {
	mu  sync.Mutex
	mem *Memory
}

// NewRegistry creates an empty registry. opts apply to every session it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{sessions: make(map[string]*session), opts: opts}
}

func (r *Registry) session(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{mem: New(id, r.opts...)}
		r.sessions[id] = s
	}
	return s
}

// Get returns the memory for id, creating it if needed.
func (r *Registry) Get(id string) *Memory {
	return r.session(id).mem
}

// Lookup returns the memory for id without creating it.
func (r *Registry) Lookup(id string) (*Memory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.mem, true
}

// Do runs fn with exclusive access to the session's memory.
func (r *Registry) Do(id string, fn func(*Memory) error) error {
	s := r.session(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.mem)
}

// Clear removes the session entirely.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ActiveSessions returns the ids of all live sessions, sorted.
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExportAll snapshots every live session.
func (r *Registry) ExportAll() map[string]Snapshot {
	r.mu.Lock()
	sessions := make(map[string]*session, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(sessions))
	for id, s := range sessions {
		s.mu.Lock()
		out[id] = s.mem.Export()
		s.mu.Unlock()
	}
	return out
}
