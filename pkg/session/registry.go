// Package session tracks active protocol sessions with a sliding TTL.
package session

import (
	"sync"
	"time"
)

// DefaultTTL is the sliding idle timeout for protocol sessions.
const DefaultTTL = 5 * time.Minute

// Registry tracks active sessions. Pruning and lookup happen atomically under
// one critical section so concurrent callers see a consistent view.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]time.Time // session id → last seen
	ttl      time.Duration

	now func() time.Time
}

// NewRegistry creates a registry with the given sliding TTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		sessions: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Register inserts a new session, last seen now.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[id] = r.now()
}

// Touch updates the session's last-seen time if it is present.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		r.sessions[id] = r.now()
	}
}

// IsActive prunes stale sessions, then reports membership.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	_, ok := r.sessions[id]
	return ok
}

// Terminate removes the session immediately. Idempotent.
func (r *Registry) Terminate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Snapshot prunes stale sessions and returns the active count.
func (r *Registry) Snapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return len(r.sessions)
}

// pruneLocked removes sessions idle past the TTL. Caller holds r.mu.
// Pruning is idempotent and safe to repeat on every access.
func (r *Registry) pruneLocked() {
	now := r.now()
	for id, lastSeen := range r.sessions {
		if now.Sub(lastSeen) > r.ttl {
			delete(r.sessions, id)
		}
	}
}
