package session

import (
	"sort"
	"sync"
)

// Registry maps room ids to live sessions. An entry lives from the
// creator's join until the session ends.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for roomID
func (r *Registry) Get(roomID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[roomID]
	return s, ok
}

// getOrCreate returns the session for roomID, creating it with create when
// absent. created reports whether create ran.
func (r *Registry) getOrCreate(roomID string, create func() *Session) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[roomID]; ok {
		return s, false
	}
	s = create()
	r.sessions[roomID] = s
	return s, true
}

// remove drops the entry only if it still belongs to s
func (r *Registry) remove(roomID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[roomID]; ok && cur == s {
		delete(r.sessions, roomID)
	}
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions ordered by room id
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
