package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"blindtest/internal/models"
)

type stubRooms struct {
	rooms map[uuid.UUID]*models.Room
}

func (s *stubRooms) FetchRoom(_ context.Context, id uuid.UUID) (*models.Room, error) {
	if r, ok := s.rooms[id]; ok {
		return r, nil
	}
	return nil, errors.New("no rows in result set")
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	roomEvents map[uuid.UUID][]Event
	connEvents map[string][]Event
	subs       map[string]uuid.UUID
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		roomEvents: make(map[uuid.UUID][]Event),
		connEvents: make(map[string][]Event),
		subs:       make(map[string]uuid.UUID),
	}
}

func (b *fakeBroadcaster) Subscribe(connID string, roomID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[connID] = roomID
}

func (b *fakeBroadcaster) Unsubscribe(connID string, _ uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, connID)
}

func (b *fakeBroadcaster) ToRoom(roomID uuid.UUID, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomEvents[roomID] = append(b.roomEvents[roomID], evt)
}

func (b *fakeBroadcaster) ToConn(connID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connEvents[connID] = append(b.connEvents[connID], evt)
}

func (b *fakeBroadcaster) roomEventsOfType(roomID uuid.UUID, t EventType) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.roomEvents[roomID] {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine  *Engine
	lobbies *LobbyTable
	conns   *ConnRegistry
	bc      *fakeBroadcaster
	roomID  uuid.UUID
}

func newFixture(t *testing.T, clipCount int, opts ...EngineOption) *fixture {
	t.Helper()

	roomID := uuid.New()
	clips := make([]models.Clip, clipCount)
	for i := range clips {
		clips[i] = models.Clip{URL: "https://example.com/clip", Answer: "song"}
	}

	lobbies := NewLobbyTable()
	conns := NewConnRegistry()
	bc := newFakeBroadcaster()
	engine := NewEngine(lobbies, conns, &stubRooms{
		rooms: map[uuid.UUID]*models.Room{
			roomID: {ID: roomID, Name: "test room", Clips: clips},
		},
	}, bc, DefaultRewards(), opts...)

	return &fixture{
		engine:  engine,
		lobbies: lobbies,
		conns:   conns,
		bc:      bc,
		roomID:  roomID,
	}
}

func (f *fixture) join(t *testing.T, username, connID string) *models.Player {
	t.Helper()
	p, err := f.engine.Join(context.Background(), f.roomID, username, connID)
	require.NoError(t, err)
	return p
}

func TestJoinOrderDeterminesLeader(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.join(t, "carol", "c3")

	view, ok := f.lobbies.Snapshot(f.roomID)
	req.True(ok)
	req.Equal([]string{"alice", "bob", "carol"}, usernames(view.Players))
	req.Equal("c1", view.LeaderID)
	req.Equal(3, view.TotalClips)
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.engine.Join(context.Background(), uuid.New(), "alice", "c1")
	require.ErrorIs(t, err, ErrRoomNotFound)
	require.Equal(t, 0, f.lobbies.Len())
}

func TestJoinEmptyUsername(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.engine.Join(context.Background(), f.roomID, "", "c1")
	require.ErrorIs(t, err, ErrEmptyUsername)
}

func TestJoinDuplicateName(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	_, err := f.engine.Join(context.Background(), f.roomID, "alice", "c2")
	req.ErrorIs(err, ErrNameTaken)

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Len(view.Players, 1)
	req.Nil(f.conns.Lookup("c2"))
}

func TestSameNameDifferentRooms(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	otherRoom := uuid.New()
	f.engine.rooms.(*stubRooms).rooms[otherRoom] = &models.Room{
		ID:    otherRoom,
		Name:  "other",
		Clips: []models.Clip{{URL: "u", Answer: "a"}},
	}

	f.join(t, "alice", "c1")
	_, err := f.engine.Join(context.Background(), otherRoom, "alice", "c2")
	req.NoError(err)
	req.Equal(2, f.lobbies.Len())
}

func TestStartOnlyLeader(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")

	req.ErrorIs(f.engine.Start(context.Background(), f.roomID, "c2", 3), ErrForbidden)

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseLobby, view.Phase)

	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))
}

func TestStartTwiceFails(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	err := f.engine.Start(context.Background(), f.roomID, "c1", 3)
	req.ErrorIs(err, ErrAlreadyStarted)

	// The failed start must not disturb the running session.
	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseAnswering, view.Phase)
	req.Equal(0, view.CurrentRound)
	req.Len(f.bc.roomEventsOfType(f.roomID, EventGameStarted), 1)
}

func TestStartNoLobby(t *testing.T) {
	f := newFixture(t, 3)
	err := f.engine.Start(context.Background(), f.roomID, "c1", 3)
	require.ErrorIs(t, err, ErrLobbyNotFound)
}

func TestStartNoClips(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	emptyRoom := uuid.New()
	f.engine.rooms.(*stubRooms).rooms[emptyRoom] = &models.Room{ID: emptyRoom, Name: "empty", Clips: nil}

	_, err := f.engine.Join(context.Background(), emptyRoom, "alice", "c1")
	req.NoError(err)
	req.ErrorIs(f.engine.Start(context.Background(), emptyRoom, "c1", 3), ErrNoClips)
}

func TestStartClampsRequestedClipCount(t *testing.T) {
	for _, tc := range []struct {
		name      string
		requested int
		want      int
	}{
		{"within range", 2, 2},
		{"above total plays everything", 99, 5},
		{"zero plays everything", 0, 5},
		{"negative plays everything", -4, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t, 5)

			f.join(t, "alice", "c1")
			req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", tc.requested))

			started := f.bc.roomEventsOfType(f.roomID, EventGameStarted)
			req.Len(started, 1)
			payload := started[0].Payload.(GameStartedPayload)
			req.Equal(tc.want, payload.TotalQuestions)
			req.Len(payload.MusicLinks, tc.want)
		})
	}
}

func TestAnsweringTransitionsOnceWhenAllAnswered(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.join(t, "carol", "c3")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	f.engine.SubmitAnswer("c1", 0, "guess one")
	f.engine.SubmitAnswer("c2", 0, "guess two")
	req.Empty(f.bc.roomEventsOfType(f.roomID, EventStartCorrection))

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseAnswering, view.Phase)

	f.engine.SubmitAnswer("c3", 0, "guess three")
	req.Len(f.bc.roomEventsOfType(f.roomID, EventStartCorrection), 1)

	view, _ = f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseGrading, view.Phase)

	// A redundant submission after the transition must not re-trigger it.
	f.engine.SubmitAnswer("c3", 0, "changed my mind")
	req.Len(f.bc.roomEventsOfType(f.roomID, EventStartCorrection), 1)
}

func TestEmptyAnswerDoesNotCountTowardsTransition(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	f.engine.SubmitAnswer("c1", 0, "something")
	f.engine.SubmitAnswer("c2", 0, "")
	req.Empty(f.bc.roomEventsOfType(f.roomID, EventStartCorrection))
}

func TestStaleAnswerRecordedButIgnored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	// An answer for a round that is not current is kept positionally but
	// must not advance the current round's phase.
	f.engine.SubmitAnswer("c1", 2, "early bird")
	req.Empty(f.bc.roomEventsOfType(f.roomID, EventStartCorrection))

	p := f.conns.Lookup("c1")
	req.Equal("early bird", p.Answers[2].Text)
}

func TestUnknownConnectionAnswerDropped(t *testing.T) {
	f := newFixture(t, 3)
	f.join(t, "alice", "c1")
	require.NoError(t, f.engine.Start(context.Background(), f.roomID, "c1", 3))

	f.engine.SubmitAnswer("ghost", 0, "boo")
	require.Empty(t, f.bc.roomEventsOfType(f.roomID, EventStartCorrection))
}

func TestSoloPlayerTransitionsImmediately(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 2)

	f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 2))

	f.engine.SubmitAnswer("c1", 0, "solo guess")
	req.Len(f.bc.roomEventsOfType(f.roomID, EventStartCorrection), 1)
}

func TestSubmitCorrectionByNonLeaderRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	f.engine.SubmitAnswer("c1", 0, "a")
	f.engine.SubmitAnswer("c2", 0, "b")

	err := f.engine.SubmitCorrection("c2", 0, map[string]Grade{"c2": GradeCorrect})
	req.ErrorIs(err, ErrForbidden)

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(0, view.CurrentRound)
	for _, p := range view.Players {
		req.Zero(p.Score)
	}
}

func TestSubmitCorrectionBeforeStartRejected(t *testing.T) {
	f := newFixture(t, 3)
	f.join(t, "alice", "c1")

	err := f.engine.SubmitCorrection("c1", 0, nil)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestFullSessionScoreAccounting(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	a := f.join(t, "alice", "c1")
	b := f.join(t, "bob", "c2")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 2))

	// Round 0: alice correct (+1), bob bonus (+2).
	f.engine.SubmitAnswer("c1", 0, "x")
	f.engine.SubmitAnswer("c2", 0, "y")
	req.NoError(f.engine.SubmitCorrection("c1", 0, map[string]Grade{
		a.ID: GradeCorrect,
		b.ID: GradeBonus,
	}))

	scores := f.bc.roomEventsOfType(f.roomID, EventScoresUpdated)
	req.Len(scores, 1)
	round0 := scores[0].Payload.(ScoresUpdatedPayload)
	req.Equal([]PlayerScore{
		{ID: a.ID, Username: "alice", Score: 1, PointsThisRound: 1},
		{ID: b.ID, Username: "bob", Score: 2, PointsThisRound: 2},
	}, round0.Players)

	next := f.bc.roomEventsOfType(f.roomID, EventNextQuestion)
	req.Len(next, 1)
	req.Equal(1, next[0].Payload.(NextQuestionPayload).QuestionIndex)
	req.Equal(2, next[0].Payload.(NextQuestionPayload).TotalQuestions)

	// Round 1: alice incorrect (+0), bob correct (+1).
	f.engine.SubmitAnswer("c1", 1, "x")
	f.engine.SubmitAnswer("c2", 1, "y")
	req.NoError(f.engine.SubmitCorrection("c1", 1, map[string]Grade{
		a.ID: GradeIncorrect,
		b.ID: GradeCorrect,
	}))

	ended := f.bc.roomEventsOfType(f.roomID, EventGameEnded)
	req.Len(ended, 1)
	results := ended[0].Payload.(GameEndedPayload).Results
	// Standings keep join order; ranking is the view's job.
	req.Equal("alice", results[0].Username)
	req.Equal(1, results[0].TotalScore)
	req.Equal("bob", results[1].Username)
	req.Equal(3, results[1].TotalScore)

	// Per-round points must sum to the final totals.
	for _, r := range results {
		sum := 0
		for _, ans := range r.Answers {
			sum += ans.Points
		}
		req.Equal(r.TotalScore, sum)
	}

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseEnded, view.Phase)
}

func TestAbsentFromGradeMapScoresZero(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 1)

	a := f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 1))

	f.engine.SubmitAnswer("c1", 0, "x")
	f.engine.SubmitAnswer("c2", 0, "y")
	req.NoError(f.engine.SubmitCorrection("c1", 0, map[string]Grade{a.ID: GradeCorrect}))

	ended := f.bc.roomEventsOfType(f.roomID, EventGameEnded)
	req.Len(ended, 1)
	results := ended[0].Payload.(GameEndedPayload).Results
	req.Equal(1, results[0].TotalScore)
	req.Equal(0, results[1].TotalScore)
}

func TestLeaderDisconnectPromotesNextJoiner(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.join(t, "carol", "c3")

	f.engine.Disconnect("c1")

	view, ok := f.lobbies.Snapshot(f.roomID)
	req.True(ok)
	req.Equal("c2", view.LeaderID)
	req.Equal([]string{"bob", "carol"}, usernames(view.Players))

	// The promoted leader has full authority.
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c2", 3))
}

func TestDisconnectLastPlayerRemovesLobby(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.engine.Disconnect("c1")

	req.Equal(0, f.lobbies.Len())
	req.Equal(0, f.conns.Len())
	_, ok := f.lobbies.Snapshot(f.roomID)
	req.False(ok)
}

func TestDisconnectUnknownConnectionIsNoop(t *testing.T) {
	f := newFixture(t, 3)
	f.join(t, "alice", "c1")

	f.engine.Disconnect("ghost")

	view, _ := f.lobbies.Snapshot(f.roomID)
	require.Len(t, view.Players, 1)
}

func TestTransferLeadership(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.join(t, "carol", "c3")

	// Non-leader transfer attempts are silent no-ops.
	f.engine.TransferLeadership("c2", "c3")
	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal("c1", view.LeaderID)

	f.engine.TransferLeadership("c1", "c3")
	view, _ = f.lobbies.Snapshot(f.roomID)
	req.Equal("c3", view.LeaderID)
	req.Equal([]string{"carol", "alice", "bob"}, usernames(view.Players))
}

func TestUpdateCorrectionsRelayedOnlyForLeader(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	f.engine.UpdateCorrections("c2", 0, map[string]Grade{"c1": GradeCorrect})
	req.Empty(f.bc.roomEventsOfType(f.roomID, EventCorrectionsUpdated))

	f.engine.UpdateCorrections("c1", 0, map[string]Grade{"c2": GradeBonus})
	relayed := f.bc.roomEventsOfType(f.roomID, EventCorrectionsUpdated)
	req.Len(relayed, 1)
	payload := relayed[0].Payload.(CorrectionsUpdatedPayload)
	req.Equal(GradeBonus, payload.Corrections["c2"])

	// Relay must not have moved any score.
	view, _ := f.lobbies.Snapshot(f.roomID)
	for _, p := range view.Players {
		req.Zero(p.Score)
	}
}

func TestLateJoinerCountsForCurrentRound(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 3)

	f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 3))

	// Joining mid-session is allowed; the newcomer is part of the
	// all-answered check from now on.
	f.join(t, "bob", "c2")

	f.engine.SubmitAnswer("c1", 0, "a")
	req.Empty(f.bc.roomEventsOfType(f.roomID, EventStartCorrection))

	f.engine.SubmitAnswer("c2", 0, "b")
	req.Len(f.bc.roomEventsOfType(f.roomID, EventStartCorrection), 1)
}

func TestBroadcastPayloadsDoNotAliasLiveState(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 2)

	a := f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 2))

	// The game-started payload was captured before any answer existed; the
	// answer landing afterwards must not show up in it. The gateway marshals
	// events on its own goroutine, so an aliased map here would be a data
	// race against later submissions.
	started := f.bc.roomEventsOfType(f.roomID, EventGameStarted)[0].Payload.(GameStartedPayload)
	f.engine.SubmitAnswer("c1", 0, "late guess")
	req.Empty(started.Players[0].Answers)

	// Likewise grading: the start-correction payload keeps pre-grading
	// scores after the correction is applied.
	correction := f.bc.roomEventsOfType(f.roomID, EventStartCorrection)[0].Payload.(StartCorrectionPayload)
	req.NoError(f.engine.SubmitCorrection("c1", 0, map[string]Grade{a.ID: GradeCorrect}))
	req.Zero(correction.Players[0].Score)
	req.False(correction.Players[0].Answers[0].Graded)

	live := f.conns.Lookup("c1")
	req.Equal(1, live.Score)
	req.True(live.Answers[0].Graded)
}

func TestJoinRacingLastDisconnect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 2)

	// A join overlapping the last member's disconnect must land in the
	// table's live lobby, never in an orphaned handle the disconnect just
	// removed.
	for i := 0; i < 200; i++ {
		f.join(t, "alice", "c1")

		done := make(chan struct{})
		go func() {
			f.engine.Disconnect("c1")
			close(done)
		}()
		_, err := f.engine.Join(context.Background(), f.roomID, "bob", "c2")
		req.NoError(err)
		<-done

		view, ok := f.lobbies.Snapshot(f.roomID)
		req.True(ok)
		req.Contains(usernames(view.Players), "bob")

		f.engine.Disconnect("c2")
	}
}

func TestGradingStallWatchdog(t *testing.T) {
	req := require.New(t)

	clock := clockwork.NewFakeClock()
	var (
		mu      sync.Mutex
		stalled []int
	)
	f := newFixture(t, 2,
		WithClock(clock),
		WithStallWarning(5*time.Minute, func(_ uuid.UUID, round int) {
			mu.Lock()
			stalled = append(stalled, round)
			mu.Unlock()
		}),
	)

	a := f.join(t, "alice", "c1")
	req.NoError(f.engine.Start(context.Background(), f.roomID, "c1", 2))

	// Round 0 graded promptly: no warning.
	f.engine.SubmitAnswer("c1", 0, "x")
	req.NoError(f.engine.SubmitCorrection("c1", 0, map[string]Grade{a.ID: GradeCorrect}))
	clock.Advance(10 * time.Minute)

	mu.Lock()
	req.Empty(stalled)
	mu.Unlock()

	// Round 1 left ungraded: warning fires, state untouched.
	f.engine.SubmitAnswer("c1", 1, "x")
	clock.Advance(5 * time.Minute)

	mu.Lock()
	req.Equal([]int{1}, stalled)
	mu.Unlock()

	view, _ := f.lobbies.Snapshot(f.roomID)
	req.Equal(models.PhaseGrading, view.Phase)
	req.Equal(1, view.CurrentRound)
}

func usernames(players []models.Player) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.Username
	}
	return out
}
