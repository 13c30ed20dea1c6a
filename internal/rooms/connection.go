package rooms

import (
	"sync"
	"time"
)

// Connection is one live socket registered in a room. Identity fields are
// fixed at connect time; activity and awareness clocks are guarded by mu.
type Connection struct {
	id          string
	documentID  string
	userID      string
	userName    string
	connectedAt time.Time
	peer        Peer

	mu           sync.Mutex
	lastActivity time.Time
	awareness    map[uint64]uint64
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) DocumentID() string {
	return c.documentID
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) UserName() string {
	return c.userName
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) Peer() Peer {
	return c.peer
}

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now.UTC()
	c.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ObserveAwareness records the clock relayed for an awareness client id,
// keeping the highest seen. A removed client is forgotten.
func (c *Connection) ObserveAwareness(clientID, clock uint64, removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if removed {
		delete(c.awareness, clientID)
		return
	}
	if current, ok := c.awareness[clientID]; !ok || clock > current {
		c.awareness[clientID] = clock
	}
}

// AwarenessClocks returns a copy of the tracked clocks.
func (c *Connection) AwarenessClocks() map[uint64]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	clocks := make(map[uint64]uint64, len(c.awareness))
	for clientID, clock := range c.awareness {
		clocks[clientID] = clock
	}
	return clocks
}

// Participant returns the public view of the connection.
func (c *Connection) Participant() Participant {
	return Participant{
		ConnectionID: c.id,
		UserID:       c.userID,
		UserName:     c.userName,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
	}
}
