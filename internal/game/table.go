package game

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"blindtest/internal/models"
)

// lobbyHandle pairs a lobby with the mutex that serializes every mutation
// for its room. Holding the mutex for the full duration of an operation is
// what gives each room its single-threaded event semantics; operations on
// different rooms interleave freely.
type lobbyHandle struct {
	mu    sync.Mutex
	lobby *models.Lobby

	// stallTimer is armed while the lobby sits in the grading phase, nil
	// otherwise. Guarded by mu.
	stallTimer clockwork.Timer
}

// LobbyTable owns the in-memory lobbies, keyed by room ID. It is constructed
// once at process start and passed into the engine explicitly so tests can
// run isolated instances.
type LobbyTable struct {
	mu      sync.RWMutex
	lobbies map[uuid.UUID]*lobbyHandle
}

func NewLobbyTable() *LobbyTable {
	return &LobbyTable{
		lobbies: make(map[uuid.UUID]*lobbyHandle),
	}
}

// getOrCreate returns the handle for a room, creating an empty lobby on
// first join.
func (t *LobbyTable) getOrCreate(roomID uuid.UUID) *lobbyHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.lobbies[roomID]; ok {
		return h
	}
	h := &lobbyHandle{
		lobby: &models.Lobby{
			RoomID:  roomID,
			Players: []*models.Player{},
			Phase:   models.PhaseLobby,
		},
	}
	t.lobbies[roomID] = h
	return h
}

// get returns the handle for a room, or nil.
func (t *LobbyTable) get(roomID uuid.UUID) *lobbyHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lobbies[roomID]
}

// remove drops a lobby once its last player has left.
func (t *LobbyTable) remove(roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lobbies, roomID)
}

// Len reports the number of active lobbies.
func (t *LobbyTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lobbies)
}

// Snapshot returns a copy of a lobby's broadcast view, or false if no lobby
// exists for the room. Read-only helper for HTTP surfaces and tests.
func (t *LobbyTable) Snapshot(roomID uuid.UUID) (models.LobbyView, bool) {
	h := t.get(roomID)
	if h == nil {
		return models.LobbyView{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lobby.View(), true
}
