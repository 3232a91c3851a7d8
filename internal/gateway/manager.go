package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"blindtest/internal/game"
)

// EventSink receives a copy of every room broadcast, for mirroring game
// events outside the process. May be nil.
type EventSink interface {
	Publish(ctx context.Context, roomID uuid.UUID, evt game.Event)
}

// ConnectionConfig holds websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type broadcast struct {
	roomID uuid.UUID
	connID string // if set, unicast to this connection only
	evt    game.Event
}

// ConnectionManager tracks live websocket connections and the room-scoped
// broadcast groups they belong to. It implements game.Broadcaster; the
// engine never sees a socket.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[uuid.UUID]map[*Connection]bool

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcastCh chan broadcast
	sink        EventSink
}

var _ game.Broadcaster = (*ConnectionManager)(nil)

// NewConnectionManager creates a manager. sink may be nil.
func NewConnectionManager(config ConnectionConfig, sink EventSink) *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
		rooms: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1024),
		sink:        sink,
	}
}

// Start drains the broadcast queue until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case b := <-cm.broadcastCh:
			cm.deliver(ctx, b)
		}
	}
}

// Subscribe adds a connection to a room's broadcast group.
func (cm *ConnectionManager) Subscribe(connID string, roomID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.conns[connID]
	if !ok {
		return
	}
	if cm.rooms[roomID] == nil {
		cm.rooms[roomID] = make(map[*Connection]bool)
	}
	cm.rooms[roomID][conn] = true

	log.Debug().
		Str("connection_id", connID).
		Str("room_id", roomID.String()).
		Int("room_connections", len(cm.rooms[roomID])).
		Msg("connection subscribed to room")
}

// Unsubscribe removes a connection from a room's broadcast group.
func (cm *ConnectionManager) Unsubscribe(connID string, roomID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.conns[connID]
	if !ok {
		return
	}
	if members, exists := cm.rooms[roomID]; exists {
		delete(members, conn)
		if len(members) == 0 {
			delete(cm.rooms, roomID)
		}
	}
}

// ToRoom queues an event for every connection in the room.
func (cm *ConnectionManager) ToRoom(roomID uuid.UUID, evt game.Event) {
	select {
	case cm.broadcastCh <- broadcast{roomID: roomID, evt: evt}:
	default:
		log.Warn().Str("room_id", roomID.String()).Msg("broadcast channel full, dropping message")
	}
}

// ToConn queues an event for a single connection.
func (cm *ConnectionManager) ToConn(connID string, evt game.Event) {
	select {
	case cm.broadcastCh <- broadcast{connID: connID, evt: evt}:
	default:
		log.Warn().Str("connection_id", connID).Msg("broadcast channel full, dropping message")
	}
}

// deliver fans one queued event out to its targets. Connections that cannot
// keep up are evicted rather than allowed to block the room.
func (cm *ConnectionManager) deliver(ctx context.Context, b broadcast) {
	data, err := json.Marshal(b.evt)
	if err != nil {
		log.Error().Err(err).Str("event", string(b.evt.Type)).Msg("failed to marshal event")
		return
	}

	// Sends happen under the read lock: removeConnection closes the send
	// channel under the write lock, so a send can never race a close. The
	// sends are non-blocking, so holding the lock here is cheap.
	cm.mu.RLock()
	var targets []*Connection
	if b.connID != "" {
		if conn, ok := cm.conns[b.connID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.rooms[b.roomID] {
			targets = append(targets, conn)
		}
	}

	var evicted []*Connection
	for _, conn := range targets {
		select {
		case conn.send <- data:
		default:
			evicted = append(evicted, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range evicted {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.removeConnection(conn)
		conn.ws.Close()
	}

	if b.connID == "" && cm.sink != nil {
		cm.sink.Publish(ctx, b.roomID, b.evt)
	}

	log.Debug().
		Str("event", string(b.evt.Type)).
		Int("connections", len(targets)).
		Msg("event delivered")
}

// addConnection registers a freshly upgraded connection.
func (cm *ConnectionManager) addConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[conn.ID] = conn
}

// removeConnection forgets a connection and drops it from any room group.
func (cm *ConnectionManager) removeConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.conns[conn.ID]; !ok {
		return
	}
	delete(cm.conns, conn.ID)
	for roomID, members := range cm.rooms {
		if members[conn] {
			delete(members, conn)
			if len(members) == 0 {
				delete(cm.rooms, roomID)
			}
		}
	}
	close(conn.send)

	log.Info().Str("connection_id", conn.ID).Msg("connection unregistered")
}

// Stats reports active connection and room counts.
func (cm *ConnectionManager) Stats() (connections, rooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns), len(cm.rooms)
}
