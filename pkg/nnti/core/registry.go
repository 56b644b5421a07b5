package core

import (
	"sync"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// Registry is the process-wide peer registry: PID -> Connection, with
// secondary indices by internal id and by the raw connection set, per
// spec.md §4.2. Its lock is the only lock in the hot path of connection
// lookup, shared by the application (connect/disconnect) and the
// progress engine (incoming message routing).
type Registry struct {
	mu      sync.RWMutex
	byPID   map[types.PID]*Connection
	byID    map[types.UID]*Connection
	all     map[*Connection]struct{}
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byPID: make(map[types.PID]*Connection),
		byID:  make(map[types.UID]*Connection),
		all:   make(map[*Connection]struct{}),
	}
}

// Insert adds conn under its peer's PID. If a connection for that PID
// already exists, Insert is a no-op: the first insertion wins.
func (r *Registry) Insert(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPID[conn.Peer.PID]; exists {
		return
	}
	r.byPID[conn.Peer.PID] = conn
	r.byID[conn.ID] = conn
	r.all[conn] = struct{}{}
}

// Get looks up a connection by PID. Returns nil if absent.
func (r *Registry) Get(pid types.PID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPID[pid]
}

// GetByID looks up a connection by its internal id. Returns nil if absent.
func (r *Registry) GetByID(id types.UID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Remove removes conn from all three indices atomically.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byPID, conn.Peer.PID)
	delete(r.byID, conn.ID)
	delete(r.all, conn)
}

// Snapshot returns a point-in-time copy of every registered connection.
// Iterating this slice never observes concurrent registry mutation,
// satisfying spec.md's "implementations must not expose mutating
// iteration during progress".
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.all))
	for c := range r.all {
		out = append(out, c)
	}
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
