// Package registry implements the Connection Registry: a process-local,
// non-persistent map of every live transport connection to the
// (user_id, room_code) it is currently attached to. It is the single
// source of truth for "is this connection currently attached" — the Lobby
// Manager and the heartbeat reconciler both read it, but never persist it;
// on restart it starts empty and the heartbeat reconciler re-seeds Member
// rows to disconnected within one sweep cycle.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyAttached is returned by Attach when conn_id is already bound.
var ErrAlreadyAttached = errors.New("connection already attached")

// Binding is a single live connection's attachment.
type Binding struct {
	ConnID     string
	UserID     string
	RoomCode   string
	LastSeenAt time.Time
}

// lookupKey indexes bindings by the (user_id, room_code) pair so Lookup
// never scans the full registry.
type lookupKey struct {
	userID   string
	roomCode string
}

// Registry is safe for concurrent use by many goroutines, mirroring the
// teacher's Hub's single coarse mutex over its room map — the registry
// is a flat map with no per-room fan-out logic to isolate, so one mutex
// is simpler than the per-room locking the Lobby Manager itself uses.
type Registry struct {
	mu       sync.Mutex
	byConn   map[string]*Binding
	byLookup map[lookupKey]map[string]struct{} // conn_id set
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byConn:   make(map[string]*Binding),
		byLookup: make(map[lookupKey]map[string]struct{}),
	}
}

// Attach records a new binding. Returns ErrAlreadyAttached if conn_id is
// already bound to something (the Edge must Detach first, e.g. on
// reconnect with a fresh connection id).
func (r *Registry) Attach(connID, userID, roomCode string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[connID]; exists {
		return ErrAlreadyAttached
	}

	b := &Binding{ConnID: connID, UserID: userID, RoomCode: roomCode, LastSeenAt: now}
	r.byConn[connID] = b

	key := lookupKey{userID, roomCode}
	set, ok := r.byLookup[key]
	if !ok {
		set = make(map[string]struct{})
		r.byLookup[key] = set
	}
	set[connID] = struct{}{}
	return nil
}

// Detach removes a binding and returns the prior (user_id, room_code), or
// false if conn_id was not attached.
func (r *Registry) Detach(connID string) (userID, roomCode string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.byConn[connID]
	if !exists {
		return "", "", false
	}
	delete(r.byConn, connID)

	key := lookupKey{b.UserID, b.RoomCode}
	if set, ok := r.byLookup[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byLookup, key)
		}
	}
	return b.UserID, b.RoomCode, true
}

// Touch updates a binding's last-seen timestamp. A no-op if conn_id is not
// attached (e.g. the connection already dropped concurrently).
func (r *Registry) Touch(connID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byConn[connID]; ok {
		b.LastSeenAt = now
	}
}

// Lookup returns every connection id currently attached for (user_id,
// room_code). A user may hold more than one live connection in the same
// room (e.g. two browser tabs); the registry tolerates it and leaves
// coalescing to the Lobby Manager.
func (r *Registry) Lookup(userID, roomCode string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byLookup[lookupKey{userID, roomCode}]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// Sweep returns every binding whose LastSeenAt is older than olderThan,
// for the heartbeat reconciler to act on. It does not remove them — the
// caller decides whether a stale binding means the connection is dead
// (in which case it should Detach) or just hasn't heartbeat-ed yet.
func (r *Registry) Sweep(olderThan time.Time) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]Binding, 0)
	for _, b := range r.byConn {
		if b.LastSeenAt.Before(olderThan) {
			stale = append(stale, *b)
		}
	}
	return stale
}

// Len reports the number of currently attached connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
