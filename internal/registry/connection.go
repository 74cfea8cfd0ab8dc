// ABOUTME: Per-connection state: socket handle, activity timestamps, liveness flag.
// ABOUTME: Serializes all outbound writes so concurrent senders never interleave frames.

package registry

import (
	"context"
	"sync"
	"time"
)

// Socket is the minimal transport surface the registry needs. The production
// implementation wraps a websocket connection; tests substitute fakes.
type Socket interface {
	// WriteJSON marshals v and writes it as one frame.
	WriteJSON(v any) error
	// Close tears down the transport, best-effort carrying the reason to
	// the peer.
	Close(reason string) error
}

// Conn tracks one active connection for a (conversation, user) pair.
type Conn struct {
	ConversationID string
	UserID         string
	ConnectedAt    time.Time

	socket Socket

	// writeMu enforces the single-writer discipline on the socket.
	writeMu sync.Mutex

	// stateMu guards the mutable fields below. Never held across a write.
	stateMu         sync.Mutex
	lastActivity    time.Time
	lastPong        time.Time
	alive           bool
	cancelHeartbeat context.CancelFunc
}

func newConn(socket Socket, conversationID, userID string) *Conn {
	now := time.Now()
	return &Conn{
		ConversationID: conversationID,
		UserID:         userID,
		ConnectedAt:    now,
		socket:         socket,
		lastActivity:   now,
		lastPong:       now,
		alive:          true,
	}
}

// send writes one frame, holding the write lock for the duration so frames
// from concurrent callers never interleave.
func (c *Conn) send(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteJSON(frame)
}

// Alive reports whether the connection is still registered and usable.
func (c *Conn) Alive() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.alive
}

// Touch records inbound or outbound activity for idle-timeout accounting.
func (c *Conn) Touch() {
	c.stateMu.Lock()
	c.lastActivity = time.Now()
	c.stateMu.Unlock()
}

// LastActivity returns the time of the most recent activity.
func (c *Conn) LastActivity() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastActivity
}

// LastPong returns the time of the most recent heartbeat response.
func (c *Conn) LastPong() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastPong
}

func (c *Conn) markPong() {
	c.stateMu.Lock()
	c.lastPong = time.Now()
	c.stateMu.Unlock()
}

// markDead flips the alive flag and returns the heartbeat cancel func, or
// nil if the connection was already dead.
func (c *Conn) markDead() context.CancelFunc {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.alive {
		return nil
	}
	c.alive = false
	cancel := c.cancelHeartbeat
	c.cancelHeartbeat = nil
	return cancel
}

func (c *Conn) setHeartbeatCancel(cancel context.CancelFunc) {
	c.stateMu.Lock()
	c.cancelHeartbeat = cancel
	c.stateMu.Unlock()
}
