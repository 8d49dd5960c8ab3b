package session

import "sync"

// Registry holds live sessions keyed by user and tab session id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*State)}
}

func key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the session for the pair, creating an idle one on first use.
func (r *Registry) Get(userID, sessionID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(userID, sessionID)
	if st, ok := r.sessions[k]; ok {
		return st
	}
	st := NewState(userID, sessionID)
	r.sessions[k] = st
	return st
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(userID, sessionID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[key(userID, sessionID)]
	return st, ok
}

// Drop forgets the session. It reports whether one was present.
func (r *Registry) Drop(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(userID, sessionID)
	if _, ok := r.sessions[k]; !ok {
		return false
	}
	delete(r.sessions, k)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st)
	}
	return out
}
