// Package rooms tracks the live connections of each document on this
// instance and broadcasts frames to them.
package rooms

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CloseInternalError is the close code used when a peer is dropped after a
// failed send.
const CloseInternalError = 1011

// Peer is the outbound side of a live connection. Sends must not block on a
// slow remote; implementations report backpressure as an error.
type Peer interface {
	SendBinary(data []byte) error
	SendText(data []byte) error
	Close(code int, reason string) error
}

// Participant is the public view of a connection.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Config describes the dependencies of a Manager.
type Config struct {
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Collab
}

// Manager holds rooms keyed by document id. Rooms are created on first
// connect and removed when their last connection leaves.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Connection
	total   int
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collab
}

// NewManager constructs an empty Manager.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rooms:   make(map[string]map[string]*Connection),
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Connect registers the peer in the document's room and returns its record.
// Presence announcements are left to the caller.
func (m *Manager) Connect(peer Peer, documentID, userID, userName string) *Connection {
	now := m.clock().UTC()
	connection := &Connection{
		id:           newConnectionID(),
		documentID:   documentID,
		userID:       userID,
		userName:     userName,
		connectedAt:  now,
		lastActivity: now,
		peer:         peer,
		awareness:    make(map[uint64]uint64),
	}

	m.mu.Lock()
	room, ok := m.rooms[documentID]
	if !ok {
		room = make(map[string]*Connection)
		m.rooms[documentID] = room
	}
	room[connection.id] = connection
	m.total++
	roomCount := len(m.rooms)
	m.mu.Unlock()

	m.metrics.SetActiveRooms(roomCount)
	m.logger.Debug("connection joined room",
		zap.String("document_id", documentID),
		zap.String("connection_id", connection.id),
		zap.String("user_id", userID))
	return connection
}

// Disconnect removes the connection, deleting its room when empty. It
// reports whether the connection was still registered.
func (m *Manager) Disconnect(connection *Connection) bool {
	if connection == nil {
		return false
	}
	m.mu.Lock()
	room := m.rooms[connection.documentID]
	_, present := room[connection.id]
	if present {
		delete(room, connection.id)
		m.total--
		if len(room) == 0 {
			delete(m.rooms, connection.documentID)
		}
	}
	roomCount := len(m.rooms)
	m.mu.Unlock()

	if present {
		m.metrics.SetActiveRooms(roomCount)
		m.logger.Debug("connection left room",
			zap.String("document_id", connection.documentID),
			zap.String("connection_id", connection.id))
	}
	return present
}

// Broadcast sends a binary frame to every connection in the room except
// excludeConnectionID and returns the number of successful sends. A peer
// whose send fails is removed and closed; delivery to the rest continues.
func (m *Manager) Broadcast(documentID string, data []byte, excludeConnectionID string) int {
	return m.deliver(documentID, excludeConnectionID, func(peer Peer) error {
		return peer.SendBinary(data)
	})
}

// BroadcastJSON encodes payload and sends it as a text frame with the same
// exclusion rule as Broadcast.
func (m *Manager) BroadcastJSON(documentID string, payload any, excludeConnectionID string) (int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return m.deliver(documentID, excludeConnectionID, func(peer Peer) error {
		return peer.SendText(encoded)
	}), nil
}

func (m *Manager) deliver(documentID, excludeConnectionID string, send func(Peer) error) int {
	m.mu.RLock()
	room := m.rooms[documentID]
	if len(room) == 0 {
		m.mu.RUnlock()
		return 0
	}
	targets := make([]*Connection, 0, len(room))
	for id, connection := range room {
		if id == excludeConnectionID {
			continue
		}
		targets = append(targets, connection)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, connection := range targets {
		if err := send(connection.peer); err != nil {
			m.metrics.BroadcastFailure()
			m.logger.Warn("dropping peer after failed send",
				zap.String("document_id", documentID),
				zap.String("connection_id", connection.id),
				zap.Error(err))
			m.Disconnect(connection)
			_ = connection.peer.Close(CloseInternalError, "send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// ParticipantCount returns the number of connections in the room.
func (m *Manager) ParticipantCount(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[documentID])
}

// Participants lists the room's connections, oldest first.
func (m *Manager) Participants(documentID string) []Participant {
	m.mu.RLock()
	room := m.rooms[documentID]
	connections := make([]*Connection, 0, len(room))
	for _, connection := range room {
		connections = append(connections, connection)
	}
	m.mu.RUnlock()

	participants := make([]Participant, 0, len(connections))
	for _, connection := range connections {
		participants = append(participants, connection.Participant())
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].ConnectedAt.Equal(participants[j].ConnectedAt) {
			return participants[i].ConnectionID < participants[j].ConnectionID
		}
		return participants[i].ConnectedAt.Before(participants[j].ConnectedAt)
	})
	return participants
}

// RoomCount returns the number of rooms with at least one connection.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// CloseAll closes every registered peer with the code. Each session removes
// itself from its room as its read loop ends.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	peers := make([]Peer, 0, m.total)
	for _, room := range m.rooms {
		for _, connection := range room {
			peers = append(peers, connection.peer)
		}
	}
	m.mu.RUnlock()
	for _, peer := range peers {
		_ = peer.Close(code, reason)
	}
}

func newConnectionID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
