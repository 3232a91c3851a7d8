package game

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"blindtest/internal/models"
)

// RoomFetcher is the engine's only read dependency on the room store: it
// needs a room's clip list at join time and at session start.
type RoomFetcher interface {
	FetchRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
}

// StallHandler is invoked when a leader has been sitting on a grading phase
// for longer than the configured warning duration. It must not mutate game
// state; there is deliberately no automatic recovery from a stalled leader.
type StallHandler func(roomID uuid.UUID, round int)

// Engine owns the round state machine for every active lobby: lobby
// formation, leader authority, answer collection, grading, scoring and
// round advancement. All state lives in memory and dies with the process.
type Engine struct {
	lobbies *LobbyTable
	conns   *ConnRegistry
	rooms   RoomFetcher
	bc      Broadcaster
	rewards RewardSchedule

	clock     clockwork.Clock
	stallWarn time.Duration
	onStall   StallHandler
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock swaps the wall clock, for tests.
func WithClock(c clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithStallWarning arms a watchdog that fires handler once a grading phase
// has been idle for d. A zero d disables the watchdog. A nil handler logs.
func WithStallWarning(d time.Duration, handler StallHandler) EngineOption {
	return func(e *Engine) {
		e.stallWarn = d
		if handler != nil {
			e.onStall = handler
		}
	}
}

// NewEngine wires the engine to its collaborators. Nothing is global; tests
// construct isolated instances.
func NewEngine(lobbies *LobbyTable, conns *ConnRegistry, rooms RoomFetcher, bc Broadcaster, rewards RewardSchedule, opts ...EngineOption) *Engine {
	e := &Engine{
		lobbies: lobbies,
		conns:   conns,
		rooms:   rooms,
		bc:      bc,
		rewards: rewards,
		clock:   clockwork.NewRealClock(),
		onStall: func(roomID uuid.UUID, round int) {
			log.Warn().
				Str("room_id", roomID.String()).
				Int("round", round).
				Msg("leader has not graded this round yet")
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Join adds a player to a room's lobby, creating the lobby on first join.
// The connection is subscribed to the room's broadcast group before the
// membership change is announced, so the joiner sees it too.
func (e *Engine) Join(ctx context.Context, roomID uuid.UUID, username, connID string) (*models.Player, error) {
	if username == "" {
		return nil, ErrEmptyUsername
	}

	room, err := e.rooms.FetchRoom(ctx, roomID)
	if err != nil {
		log.Debug().Err(err).Str("room_id", roomID.String()).Msg("room lookup failed on join")
		return nil, ErrRoomNotFound
	}

	h := e.lobbies.getOrCreate(roomID)
	h.mu.Lock()
	for e.lobbies.get(roomID) != h {
		// The last member disconnected between getOrCreate and Lock and
		// took the lobby with it; the handle we hold is orphaned.
		h.mu.Unlock()
		h = e.lobbies.getOrCreate(roomID)
		h.mu.Lock()
	}
	defer h.mu.Unlock()

	for _, p := range h.lobby.Players {
		if p.Username == username {
			return nil, ErrNameTaken
		}
	}

	player := &models.Player{
		ID:       connID,
		Username: username,
		RoomID:   roomID,
		Answers:  make(map[int]models.Answer),
	}
	h.lobby.Players = append(h.lobby.Players, player)
	h.lobby.TotalClips = len(room.Clips)
	e.conns.Register(connID, player)

	e.bc.Subscribe(connID, roomID)
	e.bc.ToConn(connID, Event{Type: EventJoinedLobby, Payload: JoinedLobbyPayload{
		Lobby:  h.lobby.View(),
		Player: player.Snapshot(),
	}})
	e.bc.ToRoom(roomID, Event{Type: EventLobbyUpdated, Payload: LobbyUpdatedPayload{Lobby: h.lobby.View()}})

	log.Info().
		Str("room_id", roomID.String()).
		Str("username", username).
		Int("players", len(h.lobby.Players)).
		Msg("player joined lobby")

	return player, nil
}

// Disconnect removes a connection's player from its lobby. The registry
// entry is removed unconditionally, even when the lobby is already gone.
// Leadership devolves to the next earliest joiner through the splice; an
// emptied lobby is deleted. Disconnect is normal lifecycle, never an error.
func (e *Engine) Disconnect(connID string) {
	player := e.conns.Remove(connID)
	if player == nil {
		return
	}

	roomID := player.RoomID
	h := e.lobbies.get(roomID)
	if h != nil {
		h.mu.Lock()
		if _, i := h.lobby.FindPlayer(connID); i >= 0 {
			h.lobby.Players = append(h.lobby.Players[:i], h.lobby.Players[i+1:]...)
		}
		if len(h.lobby.Players) == 0 {
			e.stopStallTimer(h)
			e.lobbies.remove(roomID)
			log.Info().Str("room_id", roomID.String()).Msg("lobby emptied, removed")
		} else {
			e.bc.ToRoom(roomID, Event{Type: EventLobbyUpdated, Payload: LobbyUpdatedPayload{Lobby: h.lobby.View()}})
		}
		h.mu.Unlock()
	}

	e.bc.Unsubscribe(connID, roomID)

	log.Info().
		Str("room_id", roomID.String()).
		Str("username", player.Username).
		Msg("player left lobby")
}

// TransferLeadership moves the target player to the head of the lobby.
// Only the current leader may transfer; anything else is a silent no-op.
// Scores and round state are untouched.
func (e *Engine) TransferLeadership(connID, targetID string) {
	player := e.conns.Lookup(connID)
	if player == nil {
		return
	}
	h := e.lobbies.get(player.RoomID)
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.lobby.LeaderID() != connID {
		h.mu.Unlock()
		return
	}
	target, i := h.lobby.FindPlayer(targetID)
	if target == nil || i == 0 {
		h.mu.Unlock()
		return
	}
	h.lobby.Players = append(h.lobby.Players[:i], h.lobby.Players[i+1:]...)
	h.lobby.Players = append([]*models.Player{target}, h.lobby.Players...)
	e.bc.ToRoom(player.RoomID, Event{Type: EventLobbyUpdated, Payload: LobbyUpdatedPayload{Lobby: h.lobby.View()}})
	h.mu.Unlock()

	log.Info().
		Str("room_id", player.RoomID.String()).
		Str("new_leader", target.Username).
		Msg("leadership transferred")
}

// Start begins a session: it freezes a shuffled clip set and moves the lobby
// into the first answering round. Only the leader may start, and only once.
// The room store lookup happens under the lobby lock, so a racing second
// start observes the committed started flag and fails with ErrAlreadyStarted.
func (e *Engine) Start(ctx context.Context, roomID uuid.UUID, connID string, requestedClips int) error {
	h := e.lobbies.get(roomID)
	if h == nil {
		return ErrLobbyNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lobby.LeaderID() != connID {
		return ErrForbidden
	}
	if h.lobby.Started() {
		return ErrAlreadyStarted
	}

	room, err := e.rooms.FetchRoom(ctx, roomID)
	if err != nil {
		log.Debug().Err(err).Str("room_id", roomID.String()).Msg("room lookup failed on start")
		return ErrRoomNotFound
	}
	if len(room.Clips) == 0 {
		return ErrNoClips
	}

	clips := make([]models.Clip, len(room.Clips))
	copy(clips, room.Clips)
	rand.Shuffle(len(clips), func(i, j int) {
		clips[i], clips[j] = clips[j], clips[i]
	})
	// A request outside 1..total means "play everything", which is also what
	// the lobby UI sends when the field is left untouched.
	if requestedClips >= 1 && requestedClips < len(clips) {
		clips = clips[:requestedClips]
	}

	h.lobby.SessionClips = clips
	h.lobby.CurrentRound = 0
	h.lobby.Phase = models.PhaseAnswering
	h.lobby.TotalClips = len(room.Clips)

	e.bc.ToRoom(roomID, Event{Type: EventGameStarted, Payload: GameStartedPayload{
		TotalQuestions:  len(clips),
		CurrentQuestion: 0,
		MusicLinks:      clips,
		Players:         h.lobby.PlayersSnapshot(),
	}})

	log.Info().
		Str("room_id", roomID.String()).
		Int("rounds", len(clips)).
		Int("players", len(h.lobby.Players)).
		Msg("game started")

	return nil
}

// SubmitAnswer records a player's answer for a round. Late or stale
// submissions are still recorded positionally but never surface an error;
// tolerating jitter beats stranding a legitimate answer. When the last
// missing answer for the current round arrives, the lobby transitions to
// grading exactly once.
func (e *Engine) SubmitAnswer(connID string, round int, text string) {
	player := e.conns.Lookup(connID)
	if player == nil {
		return
	}
	h := e.lobbies.get(player.RoomID)
	if h == nil {
		return
	}

	h.mu.Lock()
	if !h.lobby.Started() || h.lobby.Phase == models.PhaseEnded || round < 0 {
		h.mu.Unlock()
		return
	}

	a := player.Answers[round]
	a.Text = text
	player.Answers[round] = a

	if round == h.lobby.CurrentRound && h.lobby.Phase == models.PhaseAnswering && e.allAnsweredLocked(h.lobby) {
		h.lobby.Phase = models.PhaseGrading
		e.armStallTimer(h, player.RoomID, h.lobby.CurrentRound)
		e.bc.ToRoom(player.RoomID, Event{Type: EventStartCorrection, Payload: StartCorrectionPayload{
			QuestionIndex: h.lobby.CurrentRound,
			Players:       h.lobby.PlayersSnapshot(),
		}})
		log.Info().
			Str("room_id", player.RoomID.String()).
			Int("round", h.lobby.CurrentRound).
			Msg("all players answered, grading begins")
	}
	h.mu.Unlock()
}

// allAnsweredLocked reports whether every player currently in the lobby has
// a non-empty answer for the current round. Callers hold the lobby lock.
func (e *Engine) allAnsweredLocked(l *models.Lobby) bool {
	for _, p := range l.Players {
		if p.Answers[l.CurrentRound].Text == "" {
			return false
		}
	}
	return true
}

// UpdateCorrections relays the leader's in-progress grade choices to the
// room so other players watch the grading happen live. It is a pure
// visibility relay: no scores move. Non-leader calls are dropped silently.
func (e *Engine) UpdateCorrections(connID string, round int, corrections map[string]Grade) {
	player := e.conns.Lookup(connID)
	if player == nil {
		return
	}
	h := e.lobbies.get(player.RoomID)
	if h == nil {
		return
	}

	h.mu.Lock()
	isLeader := h.lobby.LeaderID() == connID
	h.mu.Unlock()
	if !isLeader {
		return
	}

	e.bc.ToRoom(player.RoomID, Event{Type: EventCorrectionsUpdated, Payload: CorrectionsUpdatedPayload{
		QuestionIndex: round,
		Corrections:   corrections,
	}})
}

// SubmitCorrection applies the leader's final verdicts for a round: every
// player gets a point value from the grade map (absent means zero), scores
// accumulate, and the session advances to the next round or ends.
func (e *Engine) SubmitCorrection(connID string, round int, corrections map[string]Grade) error {
	player := e.conns.Lookup(connID)
	if player == nil {
		return ErrForbidden
	}
	h := e.lobbies.get(player.RoomID)
	if h == nil {
		return ErrLobbyNotFound
	}
	roomID := player.RoomID

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lobby.LeaderID() != connID {
		return ErrForbidden
	}
	if !h.lobby.Started() || h.lobby.Phase == models.PhaseEnded {
		return ErrNotStarted
	}

	e.stopStallTimer(h)

	scores := make([]PlayerScore, 0, len(h.lobby.Players))
	for _, p := range h.lobby.Players {
		pts := e.rewards.Points(corrections[p.ID])
		p.Score += pts
		a := p.Answers[round]
		a.Points = pts
		a.Graded = true
		p.Answers[round] = a

		scores = append(scores, PlayerScore{
			ID:              p.ID,
			Username:        p.Username,
			Score:           p.Score,
			PointsThisRound: pts,
		})
	}

	e.bc.ToRoom(roomID, Event{Type: EventScoresUpdated, Payload: ScoresUpdatedPayload{Players: scores}})

	h.lobby.CurrentRound++

	if h.lobby.CurrentRound >= len(h.lobby.SessionClips) {
		h.lobby.Phase = models.PhaseEnded

		results := make([]PlayerResult, 0, len(h.lobby.Players))
		for _, p := range h.lobby.Players {
			snap := p.Snapshot()
			results = append(results, PlayerResult{
				Username:   snap.Username,
				TotalScore: snap.Score,
				Answers:    snap.Answers,
			})
		}
		e.bc.ToRoom(roomID, Event{Type: EventGameEnded, Payload: GameEndedPayload{Results: results}})

		log.Info().
			Str("room_id", roomID.String()).
			Int("rounds", len(h.lobby.SessionClips)).
			Msg("game ended")
		return nil
	}

	h.lobby.Phase = models.PhaseAnswering
	e.bc.ToRoom(roomID, Event{Type: EventNextQuestion, Payload: NextQuestionPayload{
		QuestionIndex:  h.lobby.CurrentRound,
		Players:        h.lobby.PlayersSnapshot(),
		TotalQuestions: len(h.lobby.SessionClips),
	}})

	return nil
}

// armStallTimer starts the grading watchdog for a lobby. Callers hold the
// lobby lock. The handler observes, it never mutates.
func (e *Engine) armStallTimer(h *lobbyHandle, roomID uuid.UUID, round int) {
	if e.stallWarn <= 0 {
		return
	}
	e.stopStallTimer(h)
	h.stallTimer = e.clock.AfterFunc(e.stallWarn, func() {
		e.onStall(roomID, round)
	})
}

// stopStallTimer cancels a pending watchdog. Callers hold the lobby lock.
func (e *Engine) stopStallTimer(h *lobbyHandle) {
	if h.stallTimer != nil {
		h.stallTimer.Stop()
		h.stallTimer = nil
	}
}
