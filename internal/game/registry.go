package game

import (
	"sync"

	"blindtest/internal/models"
)

// ConnRegistry maps live connection IDs to the player they act as. An entry
// exists only between a successful join and the connection going away.
type ConnRegistry struct {
	mu      sync.RWMutex
	players map[string]*models.Player
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		players: make(map[string]*models.Player),
	}
}

// Register binds a connection to a player.
func (r *ConnRegistry) Register(connID string, p *models.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[connID] = p
}

// Lookup returns the player for a connection, or nil.
func (r *ConnRegistry) Lookup(connID string) *models.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.players[connID]
}

// Remove deletes the mapping and returns the removed player, or nil. Removal
// must happen even when the player's lobby is already gone, so disconnect
// handlers call this unconditionally.
func (r *ConnRegistry) Remove(connID string) *models.Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.players[connID]
	delete(r.players, connID)
	return p
}

// Len reports the number of registered connections.
func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
