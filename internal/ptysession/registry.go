package ptysession

import "sync"

// Registry tracks the live PTY sessions so shutdown can hang up on all of
// them before the HTTP server drains.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll hangs up on every live session. Close is idempotent, so racing
// with a session's own teardown is harmless.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}
