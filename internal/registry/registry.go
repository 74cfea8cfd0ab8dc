// ABOUTME: Tracks one active socket per (conversation, user) and detects dead peers.
// ABOUTME: Runs the heartbeat/timeout state machine as an independent task per connection.

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley-gateway/internal/wire"
)

// Reason identifies why a connection was torn down.
type Reason string

const (
	ReasonReplaced         Reason = "replaced"
	ReasonClientDisconnect Reason = "client_disconnect"
	ReasonIdle             Reason = "idle"
	ReasonPingTimeout      Reason = "ping_timeout"
	ReasonSendFailed       Reason = "send_failed"
	ReasonSessionFault     Reason = "session_fault"
	ReasonShutdown         Reason = "shutdown"
)

// Config holds the heartbeat and timeout tuning for the registry.
type Config struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	IdleTimeout       time.Duration
}

// DefaultConfig returns the production heartbeat defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 3 * time.Second,
		PingTimeout:       5 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// Registry tracks active connections keyed by conversation and user. It
// enforces last-writer-wins per key, serializes outbound writes per
// connection, and disconnects peers that miss heartbeats or go idle.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the tables below; held only across map mutation, never
	// across a socket write or any other wait.
	mu    sync.Mutex
	conns map[string]map[string]*Conn // conversation id -> user id -> conn
	pongs map[string]chan struct{}    // "conversation:user" -> pending pong waiter
}

// New creates a connection registry. Pass nil logger for the default.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConfig().PingTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		conns:  make(map[string]map[string]*Conn),
		pongs:  make(map[string]chan struct{}),
	}
}

// Config returns the active heartbeat configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

func pongKey(conversationID, userID string) string {
	return conversationID + ":" + userID
}

// Connect registers a new connection for the key and starts its heartbeat.
// If the key already has a live connection, the old one is torn down
// (reason "replaced"). Last writer wins; the table never holds two
// connections per key.
func (r *Registry) Connect(socket Socket, conversationID, userID string) *Conn {
	conn := newConn(socket, conversationID, userID)
	hbCtx, cancel := context.WithCancel(context.Background())
	conn.setHeartbeatCancel(cancel)

	// One locked section for the whole table update. Releasing the lock
	// between removing the old connection and inserting the new one lets a
	// concurrent disconnect delete the inner map out from under the insert.
	r.mu.Lock()
	users, ok := r.conns[conversationID]
	if !ok {
		users = make(map[string]*Conn)
		r.conns[conversationID] = users
	}
	old := users[userID]
	users[userID] = conn
	r.mu.Unlock()

	if old != nil {
		r.teardown(old, ReasonReplaced)
	}

	go r.heartbeat(hbCtx, conn)

	r.logger.Info("connection registered",
		"conversation_id", conversationID,
		"user_id", userID,
	)
	return conn
}

// Disconnect removes the connection for the key and tears it down.
func (r *Registry) Disconnect(conversationID, userID string, reason Reason) {
	r.mu.Lock()
	users, ok := r.conns[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn, ok := users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.conns, conversationID)
	}
	r.mu.Unlock()

	r.teardown(conn, reason)

	r.logger.Info("connection removed",
		"conversation_id", conversationID,
		"user_id", userID,
		"reason", string(reason),
	)
}

// DisconnectConn tears down the given connection, removing it from the
// table only if it is still the registered one for its key. A connection
// that was already replaced cleans itself up without touching its
// replacement.
func (r *Registry) DisconnectConn(conn *Conn, reason Reason) {
	r.mu.Lock()
	if users, ok := r.conns[conn.ConversationID]; ok && users[conn.UserID] == conn {
		delete(users, conn.UserID)
		if len(users) == 0 {
			delete(r.conns, conn.ConversationID)
		}
	}
	r.mu.Unlock()

	r.teardown(conn, reason)

	r.logger.Info("connection removed",
		"conversation_id", conn.ConversationID,
		"user_id", conn.UserID,
		"reason", string(reason),
	)
}

// teardown cancels the heartbeat, wakes any pending pong waiter, and closes
// the socket. Runs unconditionally regardless of which path triggered it so
// no task or socket is leaked.
func (r *Registry) teardown(conn *Conn, reason Reason) {
	cancel := conn.markDead()
	if cancel == nil {
		return // already torn down
	}
	cancel()

	key := pongKey(conn.ConversationID, conn.UserID)
	r.mu.Lock()
	if waiter, ok := r.pongs[key]; ok {
		delete(r.pongs, key)
		close(waiter)
	}
	r.mu.Unlock()

	if err := conn.socket.Close(string(reason)); err != nil {
		r.logger.Debug("error closing socket", "error", err)
	}
}

// lookup returns the live connection for the key, if any.
func (r *Registry) lookup(conversationID, userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.conns[conversationID]
	if !ok {
		return nil, false
	}
	conn, ok := users[userID]
	return conn, ok
}

// Send writes one frame to the connection for the key. Returns false if the
// key has no live connection or the write fails; a failed write disconnects
// the peer.
func (r *Registry) Send(conversationID, userID string, frame any) bool {
	conn, ok := r.lookup(conversationID, userID)
	if !ok || !conn.Alive() {
		return false
	}

	if err := conn.send(frame); err != nil {
		r.logger.Warn("failed to send frame",
			"conversation_id", conversationID,
			"user_id", userID,
			"error", err,
		)
		r.Disconnect(conversationID, userID, ReasonSendFailed)
		return false
	}
	conn.Touch()
	return true
}

// Broadcast sends one frame to every connection in the conversation,
// optionally excluding one user. Returns the number of successful sends.
func (r *Registry) Broadcast(conversationID string, frame any, excludeUser string) int {
	r.mu.Lock()
	targets := make([]string, 0, len(r.conns[conversationID]))
	for userID := range r.conns[conversationID] {
		if excludeUser != "" && userID == excludeUser {
			continue
		}
		targets = append(targets, userID)
	}
	r.mu.Unlock()

	sent := 0
	for _, userID := range targets {
		if r.Send(conversationID, userID, frame) {
			sent++
		}
	}
	return sent
}

// HandlePong records a heartbeat response and wakes the pending waiter.
// Unsolicited pongs are accepted silently.
func (r *Registry) HandlePong(conversationID, userID string) {
	conn, ok := r.lookup(conversationID, userID)
	if !ok {
		return
	}
	conn.markPong()

	key := pongKey(conversationID, userID)
	r.mu.Lock()
	waiter, ok := r.pongs[key]
	if ok {
		delete(r.pongs, key)
	}
	r.mu.Unlock()
	if ok {
		close(waiter)
	}
}

// heartbeat runs the liveness state machine for one connection:
// sleep the interval, disconnect if idle beyond the threshold, send a ping,
// then wait up to the ping timeout for a matching pong. Any failure path
// disconnects the peer and stops the loop.
func (r *Registry) heartbeat(ctx context.Context, conn *Conn) {
	timer := time.NewTimer(r.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !conn.Alive() {
			return
		}

		if time.Since(conn.LastActivity()) > r.cfg.IdleTimeout {
			r.logger.Info("connection idle timeout",
				"conversation_id", conn.ConversationID,
				"user_id", conn.UserID,
			)
			r.Disconnect(conn.ConversationID, conn.UserID, ReasonIdle)
			return
		}

		if err := conn.send(wire.Ping()); err != nil {
			r.logger.Warn("failed to send ping",
				"conversation_id", conn.ConversationID,
				"user_id", conn.UserID,
				"error", err,
			)
			r.Disconnect(conn.ConversationID, conn.UserID, ReasonSendFailed)
			return
		}

		waiter := make(chan struct{})
		key := pongKey(conn.ConversationID, conn.UserID)
		r.mu.Lock()
		r.pongs[key] = waiter
		r.mu.Unlock()

		pongTimer := time.NewTimer(r.cfg.PingTimeout)
		select {
		case <-waiter:
			pongTimer.Stop()
		case <-pongTimer.C:
			r.clearPongWaiter(key, waiter)
			r.logger.Warn("ping timeout",
				"conversation_id", conn.ConversationID,
				"user_id", conn.UserID,
			)
			r.Disconnect(conn.ConversationID, conn.UserID, ReasonPingTimeout)
			return
		case <-ctx.Done():
			pongTimer.Stop()
			r.clearPongWaiter(key, waiter)
			return
		}

		timer.Reset(r.cfg.HeartbeatInterval)
	}
}

// clearPongWaiter removes the waiter if it is still the registered one.
func (r *Registry) clearPongWaiter(key string, waiter chan struct{}) {
	r.mu.Lock()
	if r.pongs[key] == waiter {
		delete(r.pongs, key)
	}
	r.mu.Unlock()
}

// IsConnected reports whether the key has a live connection.
func (r *Registry) IsConnected(conversationID, userID string) bool {
	conn, ok := r.lookup(conversationID, userID)
	return ok && conn.Alive()
}

// Count returns the number of live connections, scoped to a conversation
// when conversationID is non-empty.
func (r *Registry) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID != "" {
		return len(r.conns[conversationID])
	}
	total := 0
	for _, users := range r.conns {
		total += len(users)
	}
	return total
}

// Shutdown tears down every connection (reason "shutdown").
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var victims []*Conn
	for conversationID, users := range r.conns {
		for userID, conn := range users {
			victims = append(victims, conn)
			delete(users, userID)
		}
		delete(r.conns, conversationID)
	}
	r.mu.Unlock()

	for _, conn := range victims {
		r.teardown(conn, ReasonShutdown)
	}
	r.logger.Info("registry shut down", "closed", len(victims))
}
