// Package world holds the authoritative in-memory registry of connected players.
package world

import (
	"sort"
	"sync"
)

// Player is one connected participant. Records are stored and returned by
// value, so callers always hold a detached copy.
type Player struct {
	// ID is the session identity; immutable for the connection's lifetime.
	ID string `json:"id"`
	// Name is the display name derived from ID at admission.
	Name string `json:"name"`
	// X and Y are the last position reported by the owning connection.
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Registry maps player id to Player.
// All methods are safe for concurrent use; readers run in parallel and each
// mutation is exclusive. No method performs I/O while holding the lock.
type Registry struct {
	mu      sync.RWMutex
	players map[string]Player
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{players: make(map[string]Player)}
}

// Insert adds p keyed by p.ID, replacing any existing record with that id.
//
// Precondition: p.ID must be non-empty.
func (r *Registry) Insert(p Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.ID] = p
}

// Remove deletes the player with the given id.
//
// Postcondition: Returns the removed record and true, or the zero Player and
// false when id was not present. Removing twice is not an error.
func (r *Registry) Remove(id string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if ok {
		delete(r.players, id)
	}
	return p, ok
}

// UpdatePosition sets the position of an existing player.
//
// Postcondition: Returns false and changes nothing when id is absent, so a
// late update never resurrects a player that already left.
func (r *Registry) UpdatePosition(id string, x, y float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.X, p.Y = x, y
	r.players[id] = p
	return true
}

// Get returns a copy of the player with the given id.
func (r *Registry) Get(id string) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	return p, ok
}

// Snapshot returns a copy of every record taken at a single instant,
// ordered by id.
//
// Postcondition: Returns a non-nil slice (may be empty).
func (r *Registry) Snapshot() []Player {
	r.mu.RLock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of connected players.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
