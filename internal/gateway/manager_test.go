package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"blindtest/internal/game"
)

type recordingSink struct {
	mu     sync.Mutex
	events []game.Event
}

func (s *recordingSink) Publish(_ context.Context, _ uuid.UUID, evt game.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func newTestConn(id string) *Connection {
	return &Connection{ID: id, send: make(chan []byte, 8)}
}

func drainOne(t *testing.T, c *Connection) game.Event {
	t.Helper()
	select {
	case data := <-c.send:
		var evt game.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	default:
		t.Fatalf("no message queued for connection %s", c.ID)
		return game.Event{}
	}
}

func TestRoomBroadcastFanout(t *testing.T) {
	req := require.New(t)

	sink := &recordingSink{}
	cm := NewConnectionManager(DefaultConnectionConfig(), sink)
	roomID := uuid.New()
	otherRoom := uuid.New()

	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	c3 := newTestConn("c3")
	for _, c := range []*Connection{c1, c2, c3} {
		cm.addConnection(c)
	}
	cm.Subscribe("c1", roomID)
	cm.Subscribe("c2", roomID)
	cm.Subscribe("c3", otherRoom)

	cm.ToRoom(roomID, game.Event{Type: game.EventLobbyUpdated})
	cm.deliver(context.Background(), <-cm.broadcastCh)

	req.Equal(game.EventLobbyUpdated, drainOne(t, c1).Type)
	req.Equal(game.EventLobbyUpdated, drainOne(t, c2).Type)
	req.Empty(c3.send)

	// Room broadcasts are teed to the sink exactly once, not per connection.
	sink.mu.Lock()
	req.Len(sink.events, 1)
	sink.mu.Unlock()
}

func TestUnicastSkipsSink(t *testing.T) {
	req := require.New(t)

	sink := &recordingSink{}
	cm := NewConnectionManager(DefaultConnectionConfig(), sink)

	c1 := newTestConn("c1")
	cm.addConnection(c1)

	cm.ToConn("c1", game.Event{Type: game.EventJoinError, Payload: game.ErrorPayload{Message: "nope"}})
	cm.deliver(context.Background(), <-cm.broadcastCh)

	evt := drainOne(t, c1)
	req.Equal(game.EventJoinError, evt.Type)

	sink.mu.Lock()
	req.Empty(sink.events)
	sink.mu.Unlock()
}

func TestUnicastToUnknownConnectionDropped(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), nil)

	cm.ToConn("ghost", game.Event{Type: game.EventJoinError})
	cm.deliver(context.Background(), <-cm.broadcastCh)
	// Nothing to assert beyond not panicking: no targets, no sink.
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	req := require.New(t)

	cm := NewConnectionManager(DefaultConnectionConfig(), nil)
	roomID := uuid.New()

	c1 := newTestConn("c1")
	cm.addConnection(c1)
	cm.Subscribe("c1", roomID)
	cm.Unsubscribe("c1", roomID)

	cm.ToRoom(roomID, game.Event{Type: game.EventLobbyUpdated})
	cm.deliver(context.Background(), <-cm.broadcastCh)
	req.Empty(c1.send)

	// The emptied room group is pruned.
	conns, rooms := cm.Stats()
	req.Equal(1, conns)
	req.Equal(0, rooms)
}

func TestDeliverConcurrentWithRemoval(t *testing.T) {
	req := require.New(t)

	cm := NewConnectionManager(DefaultConnectionConfig(), nil)
	roomID := uuid.New()

	// Buffers large enough that no connection is ever evicted mid-test.
	c1 := &Connection{ID: "c1", send: make(chan []byte, 4096)}
	c2 := &Connection{ID: "c2", send: make(chan []byte, 4096)}
	cm.addConnection(c1)
	cm.addConnection(c2)
	cm.Subscribe("c1", roomID)
	cm.Subscribe("c2", roomID)

	// Fan-out must not send on a channel that removeConnection is closing
	// from another goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			cm.deliver(context.Background(), broadcast{roomID: roomID, evt: game.Event{Type: game.EventLobbyUpdated}})
		}
	}()
	cm.removeConnection(c1)
	<-done

	conns, _ := cm.Stats()
	req.Equal(1, conns)
	cm.removeConnection(c2)
}

func TestRemoveConnectionPrunesRooms(t *testing.T) {
	req := require.New(t)

	cm := NewConnectionManager(DefaultConnectionConfig(), nil)
	roomID := uuid.New()

	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	cm.addConnection(c1)
	cm.addConnection(c2)
	cm.Subscribe("c1", roomID)
	cm.Subscribe("c2", roomID)

	cm.removeConnection(c1)

	conns, rooms := cm.Stats()
	req.Equal(1, conns)
	req.Equal(1, rooms)

	// The send channel is closed so the write pump exits.
	_, open := <-c1.send
	req.False(open)

	// Removing twice must not close the channel again.
	cm.removeConnection(c1)

	cm.removeConnection(c2)
	conns, rooms = cm.Stats()
	req.Equal(0, conns)
	req.Equal(0, rooms)
}
