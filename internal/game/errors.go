package game

import "errors"

// Errors surfaced to the originating connection as named error events.
// None of these are fatal to the process.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrLobbyNotFound  = errors.New("lobby not found")
	ErrEmptyUsername  = errors.New("username is required")
	ErrNameTaken      = errors.New("username is already taken in this lobby")
	ErrForbidden      = errors.New("only the lobby leader may do this")
	ErrAlreadyStarted = errors.New("game already started")
	ErrNotStarted     = errors.New("game has not started")
	ErrNoClips        = errors.New("no music configured for this room")
)
