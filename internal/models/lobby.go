package models

import "github.com/google/uuid"

// LobbyPhase defines where a lobby is in its session lifecycle.
type LobbyPhase string

const (
	PhaseLobby     LobbyPhase = "LOBBY"
	PhaseAnswering LobbyPhase = "ANSWERING"
	PhaseGrading   LobbyPhase = "GRADING"
	PhaseEnded     LobbyPhase = "ENDED"
)

// Answer is one player's record for a single round. Points is only
// meaningful once Graded is set.
type Answer struct {
	Text   string `json:"answer"`
	Points int    `json:"points"`
	Graded bool   `json:"graded"`
}

// Player is a connected participant. ID doubles as the connection ID and is
// only stable for the lifetime of that connection.
type Player struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	RoomID   uuid.UUID      `json:"roomId"`
	Score    int            `json:"score"`
	Answers  map[int]Answer `json:"answers"`
}

// Snapshot returns a value copy of the player with its own answers map.
// Broadcast payloads are marshalled after the lobby lock is released, so
// they must never alias live state.
func (p *Player) Snapshot() Player {
	answers := make(map[int]Answer, len(p.Answers))
	for round, a := range p.Answers {
		answers[round] = a
	}
	c := *p
	c.Answers = answers
	return c
}

// Lobby is the in-memory per-room session container. Players is in join
// order; index 0 is the leader. None of this survives a restart.
type Lobby struct {
	RoomID       uuid.UUID  `json:"roomId"`
	Players      []*Player  `json:"players"`
	Phase        LobbyPhase `json:"phase"`
	TotalClips   int        `json:"totalSongs"`
	SessionClips []Clip     `json:"-"`
	CurrentRound int        `json:"currentQuestion"`
}

// Started reports whether a session is running or finished for this lobby.
func (l *Lobby) Started() bool {
	return l.Phase != PhaseLobby
}

// Leader returns the current leader, or nil for an empty lobby.
func (l *Lobby) Leader() *Player {
	if len(l.Players) == 0 {
		return nil
	}
	return l.Players[0]
}

// LeaderID returns the leader's player ID, or "" for an empty lobby.
func (l *Lobby) LeaderID() string {
	if p := l.Leader(); p != nil {
		return p.ID
	}
	return ""
}

// FindPlayer returns the player with the given ID and its index, or nil, -1.
func (l *Lobby) FindPlayer(id string) (*Player, int) {
	for i, p := range l.Players {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}

// PlayersSnapshot copies the player list for broadcasting.
func (l *Lobby) PlayersSnapshot() []Player {
	out := make([]Player, len(l.Players))
	for i, p := range l.Players {
		out[i] = p.Snapshot()
	}
	return out
}

// Marshal-friendly view: players are snapshots and leaderId is derived,
// never stored, so it can not drift from the player order on splice or
// transfer.
func (l *Lobby) View() LobbyView {
	return LobbyView{
		RoomID:       l.RoomID,
		Players:      l.PlayersSnapshot(),
		Phase:        l.Phase,
		LeaderID:     l.LeaderID(),
		TotalClips:   l.TotalClips,
		CurrentRound: l.CurrentRound,
	}
}

// LobbyView is the broadcast shape of a lobby.
type LobbyView struct {
	RoomID       uuid.UUID  `json:"roomId"`
	Players      []Player   `json:"players"`
	Phase        LobbyPhase `json:"phase"`
	LeaderID     string     `json:"leaderId"`
	TotalClips   int        `json:"totalSongs"`
	CurrentRound int        `json:"currentQuestion"`
}
