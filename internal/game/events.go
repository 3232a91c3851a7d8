package game

import (
	"blindtest/internal/models"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of server-to-client events. Emitter
// and clients share these names; do not invent ad-hoc strings elsewhere.
type EventType string

const (
	EventJoinedLobby        EventType = "joined-lobby"
	EventLobbyUpdated       EventType = "lobby-updated"
	EventJoinError          EventType = "join-error"
	EventStartError         EventType = "start-error"
	EventCorrectionError    EventType = "correction-error"
	EventGameStarted        EventType = "game-started"
	EventStartCorrection    EventType = "start-correction"
	EventCorrectionsUpdated EventType = "corrections-updated"
	EventScoresUpdated      EventType = "scores-updated"
	EventNextQuestion       EventType = "next-question"
	EventGameEnded          EventType = "game-ended"
)

// Event is the outbound envelope. Payload is one of the payload structs
// below, matching Type.
type Event struct {
	Type    EventType `json:"event"`
	Payload any       `json:"payload"`
}

// Broadcaster is how the engine reaches connected clients. The realtime
// gateway implements it; the engine never touches sockets directly.
type Broadcaster interface {
	// Subscribe adds a connection to a room's broadcast group.
	Subscribe(connID string, roomID uuid.UUID)
	// Unsubscribe removes a connection from a room's broadcast group.
	Unsubscribe(connID string, roomID uuid.UUID)
	// ToRoom delivers an event to every connection subscribed to the room.
	ToRoom(roomID uuid.UUID, evt Event)
	// ToConn delivers an event to a single connection.
	ToConn(connID string, evt Event)
}

// Payload structs carry value snapshots only. The gateway marshals events
// on its own goroutine after the lobby lock is released, so a payload must
// never reference live engine state.
type JoinedLobbyPayload struct {
	Lobby  models.LobbyView `json:"lobby"`
	Player models.Player    `json:"player"`
}

type LobbyUpdatedPayload struct {
	Lobby models.LobbyView `json:"lobby"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type GameStartedPayload struct {
	TotalQuestions  int             `json:"totalQuestions"`
	CurrentQuestion int             `json:"currentQuestion"`
	MusicLinks      []models.Clip   `json:"musicLinks"`
	Players         []models.Player `json:"players"`
}

type StartCorrectionPayload struct {
	QuestionIndex int             `json:"questionIndex"`
	Players       []models.Player `json:"players"`
}

type CorrectionsUpdatedPayload struct {
	QuestionIndex int              `json:"questionIndex"`
	Corrections   map[string]Grade `json:"corrections"`
}

// PlayerScore is one row of a scores-updated broadcast.
type PlayerScore struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Score           int    `json:"score"`
	PointsThisRound int    `json:"pointsThisRound"`
}

type ScoresUpdatedPayload struct {
	Players []PlayerScore `json:"players"`
}

type NextQuestionPayload struct {
	QuestionIndex  int             `json:"questionIndex"`
	Players        []models.Player `json:"players"`
	TotalQuestions int             `json:"totalQuestions"`
}

// PlayerResult is one row of the final standings. Standings are not sorted
// server-side; views rank by score descending with ties broken by join order.
type PlayerResult struct {
	Username   string                `json:"username"`
	TotalScore int                   `json:"totalScore"`
	Answers    map[int]models.Answer `json:"answers"`
}

type GameEndedPayload struct {
	Results []PlayerResult `json:"results"`
}
