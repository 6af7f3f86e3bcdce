// Package registry tracks which live connections belong to which user.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps users to their live connection ids and back. A user may hold
// several connections at once, one per device or tab. All methods are safe
// for concurrent use and never block on I/O.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[uuid.UUID]struct{}
	byConn map[uuid.UUID]uuid.UUID
}

func New() *Registry {
	return &Registry{
		byUser: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byConn: make(map[uuid.UUID]uuid.UUID),
	}
}

// Register adds connID under userID. It reports whether this is the user's
// first live connection.
func (r *Registry) Register(userID, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byConn[connID]; ok {
		if owner == userID {
			return false
		}
		r.removeLocked(connID)
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[uuid.UUID]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	return len(conns) == 1
}

// Unregister removes connID from both maps. It returns the owning user and
// whether that was the user's last connection. A second call for the same
// connection returns ok=false.
func (r *Registry) Unregister(connID uuid.UUID) (userID uuid.UUID, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.byConn[connID]
	if !ok {
		return uuid.Nil, false, false
	}
	last = r.removeLocked(connID)
	return userID, last, true
}

func (r *Registry) removeLocked(connID uuid.UUID) bool {
	userID := r.byConn[connID]
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsFor returns a snapshot of userID's connection ids.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	ids := make([]uuid.UUID, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// OnlineUsers returns every user with a live connection.
func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
