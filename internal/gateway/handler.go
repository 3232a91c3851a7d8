package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"blindtest/internal/game"
)

// Inbound event names. The closed client-to-server catalog.
const (
	msgJoinLobby          = "join-lobby"
	msgLeaveLobby         = "leave-lobby"
	msgStartGame          = "start-game"
	msgSubmitAnswer       = "submit-answer"
	msgUpdateCorrections  = "update-corrections"
	msgSubmitCorrection   = "submit-correction"
	msgTransferLeadership = "transfer-leadership"
)

// clientMessage is the inbound envelope.
type clientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type joinLobbyPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type startGamePayload struct {
	RoomID        string `json:"roomId"`
	NumberOfSongs int    `json:"numberOfSongs"`
}

type submitAnswerPayload struct {
	Answer        string `json:"answer"`
	QuestionIndex int    `json:"questionIndex"`
}

type correctionsPayload struct {
	QuestionIndex int                   `json:"questionIndex"`
	Corrections   map[string]game.Grade `json:"corrections"`
}

type transferLeadershipPayload struct {
	TargetID string `json:"targetId"`
}

// Handler upgrades websocket requests and translates inbound client events
// into engine calls. It owns no game state.
type Handler struct {
	manager *ConnectionManager
	engine  *game.Engine
}

func NewHandler(manager *ConnectionManager, engine *game.Engine) *Handler {
	return &Handler{
		manager: manager,
		engine:  engine,
	}
}

// ServeWS handles GET /ws: upgrade, register, pump until the socket closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.manager.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		ws:          ws,
		send:        make(chan []byte, 256),
		manager:     h.manager,
		ConnectedAt: time.Now(),
	}
	h.manager.addConnection(conn)

	log.Info().Str("connection_id", conn.ID).Msg("websocket connection established")

	go conn.writePump()
	conn.readPump(h)
}

// RegisterRoutes mounts the websocket endpoint on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.ServeWS)
}

// dispatch routes one inbound message. Unknown events and malformed
// payloads are dropped: late or garbled traffic is expected network jitter,
// not a protocol violation worth a disconnect.
func (h *Handler) dispatch(c *Connection, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("unparseable client message")
		return
	}

	switch msg.Event {
	case msgJoinLobby:
		h.handleJoin(c, msg.Payload)

	case msgLeaveLobby:
		h.engine.Disconnect(c.ID)

	case msgStartGame:
		h.handleStart(c, msg.Payload)

	case msgSubmitAnswer:
		var p submitAnswerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("bad submit-answer payload")
			return
		}
		h.engine.SubmitAnswer(c.ID, p.QuestionIndex, p.Answer)

	case msgUpdateCorrections:
		var p correctionsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("bad update-corrections payload")
			return
		}
		h.engine.UpdateCorrections(c.ID, p.QuestionIndex, p.Corrections)

	case msgSubmitCorrection:
		var p correctionsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("bad submit-correction payload")
			return
		}
		if err := h.engine.SubmitCorrection(c.ID, p.QuestionIndex, p.Corrections); err != nil {
			h.manager.ToConn(c.ID, game.Event{
				Type:    game.EventCorrectionError,
				Payload: game.ErrorPayload{Message: err.Error()},
			})
		}

	case msgTransferLeadership:
		var p transferLeadershipPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("bad transfer-leadership payload")
			return
		}
		h.engine.TransferLeadership(c.ID, p.TargetID)

	default:
		log.Debug().Str("event", msg.Event).Str("connection_id", c.ID).Msg("unknown client event")
	}
}

func (h *Handler) handleJoin(c *Connection, payload json.RawMessage) {
	var p joinLobbyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.joinError(c, game.ErrRoomNotFound)
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		h.joinError(c, game.ErrRoomNotFound)
		return
	}
	if _, err := h.engine.Join(context.Background(), roomID, p.Username, c.ID); err != nil {
		h.joinError(c, err)
	}
}

func (h *Handler) joinError(c *Connection, err error) {
	h.manager.ToConn(c.ID, game.Event{
		Type:    game.EventJoinError,
		Payload: game.ErrorPayload{Message: err.Error()},
	})
}

func (h *Handler) handleStart(c *Connection, payload json.RawMessage) {
	var p startGamePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.startError(c, errors.New("invalid start-game payload"))
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		h.startError(c, game.ErrLobbyNotFound)
		return
	}
	if err := h.engine.Start(context.Background(), roomID, c.ID, p.NumberOfSongs); err != nil {
		h.startError(c, err)
	}
}

func (h *Handler) startError(c *Connection, err error) {
	h.manager.ToConn(c.ID, game.Event{
		Type:    game.EventStartError,
		Payload: game.ErrorPayload{Message: err.Error()},
	})
}
