// ABOUTME: Creates, reuses, and evicts execution sessions under a capacity bound.
// ABOUTME: Keys sessions by conversation id or (user, agent role) and sweeps idle ones.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley-gateway/internal/runtime"
)

// ErrRoleNotFound indicates the requested agent role has no configuration.
var ErrRoleNotFound = errors.New("agent role not found")

// PoolConfig holds the session pool tuning knobs.
type PoolConfig struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSessions:   100,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// Pool manages live sessions keyed by conversation id or user+role.
// At most one live session exists per key; closed or failed sessions are
// never returned by lookup. When the pool is full, the least-recently-active
// fifth of the sessions is evicted to make room.
type Pool struct {
	runner runtime.Runner
	roles  map[string]runtime.StreamOptions
	cfg    PoolConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{} // user id -> session keys
	nextSeq  uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewPool creates a session pool and starts its idle sweep.
// roles maps agent role names to their runtime stream options.
func NewPool(runner runtime.Runner, roles map[string]runtime.StreamOptions, cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultPoolConfig().MaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultPoolConfig().SweepInterval
	}

	p := &Pool{
		runner:   runner,
		roles:    roles,
		cfg:      cfg,
		logger:   logger.With("component", "session-pool"),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Key builds the pool key for a session request.
func Key(userID, agentRole, conversationID string) string {
	if conversationID != "" {
		return conversationID
	}
	return userID + ":" + agentRole
}

// GetOrCreate returns the live session for the key, creating and
// initializing one if none exists. Initialization runs outside the table
// lock; concurrent callers for the same key share the same session and the
// first initializer does the work.
func (p *Pool) GetOrCreate(ctx context.Context, userID, agentRole, conversationID string) (*Session, error) {
	key := Key(userID, agentRole, conversationID)

	p.mu.Lock()
	if existing, ok := p.sessions[key]; ok {
		if existing.Live() {
			p.mu.Unlock()
			if err := existing.Initialize(ctx); err != nil {
				p.remove(key)
				existing.Close()
				return nil, err
			}
			return existing, nil
		}
		// Replace a dead session in place.
		p.deleteLocked(key)
		existing.Close()
	}

	opts, ok := p.roles[agentRole]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, agentRole)
	}

	if len(p.sessions) >= p.cfg.MaxSessions {
		p.evictLocked()
	}

	id := conversationID
	if id == "" {
		id = uuid.New().String()
	}
	sess := newSession(id, key, agentRole, p.runner, opts, p.logger)
	p.nextSeq++
	sess.seq = p.nextSeq
	sess.UserID = userID
	p.sessions[key] = sess
	if p.byUser[userID] == nil {
		p.byUser[userID] = make(map[string]struct{})
	}
	p.byUser[userID][key] = struct{}{}
	p.mu.Unlock()

	if err := sess.Initialize(ctx); err != nil {
		p.remove(key)
		sess.Close()
		return nil, fmt.Errorf("initializing session %s: %w", key, err)
	}

	p.logger.Info("session created",
		"key", key,
		"user_id", userID,
		"agent_role", agentRole,
	)
	return sess, nil
}

// evictLocked closes the least-recently-active 20% of sessions (at least
// one). Ordered by ascending last activity, ties broken by insertion order.
// Caller holds p.mu.
func (p *Pool) evictLocked() {
	type victim struct {
		key  string
		sess *Session
	}
	all := make([]victim, 0, len(p.sessions))
	for key, sess := range p.sessions {
		all = append(all, victim{key, sess})
	}
	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].sess.LastActivity(), all[j].sess.LastActivity()
		if ai.Equal(aj) {
			return all[i].sess.seq < all[j].sess.seq
		}
		return ai.Before(aj)
	})

	n := len(all) / 5
	if n < 1 {
		n = 1
	}
	for _, v := range all[:n] {
		p.deleteLocked(v.key)
		v.sess.Close()
		p.logger.Info("session evicted for capacity", "key", v.key)
	}
}

// deleteLocked removes a session from the tables. Caller holds p.mu.
func (p *Pool) deleteLocked(key string) {
	sess, ok := p.sessions[key]
	if !ok {
		return
	}
	delete(p.sessions, key)
	if keys, ok := p.byUser[sess.UserID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(p.byUser, sess.UserID)
		}
	}
}

// remove deletes a session key under the lock without closing it.
func (p *Pool) remove(key string) {
	p.mu.Lock()
	p.deleteLocked(key)
	p.mu.Unlock()
}

// Get returns the live session for the key, if any.
func (p *Pool) Get(key string) (*Session, bool) {
	p.mu.Lock()
	sess, ok := p.sessions[key]
	p.mu.Unlock()
	if !ok || !sess.Live() {
		return nil, false
	}
	return sess, true
}

// CloseSession tears down and deregisters the session for the key.
func (p *Pool) CloseSession(key string) {
	p.mu.Lock()
	sess, ok := p.sessions[key]
	if ok {
		p.deleteLocked(key)
	}
	p.mu.Unlock()

	if ok {
		sess.Close()
		p.logger.Info("session closed explicitly", "key", key)
	}
}

// CloseUserSessions tears down every session belonging to the user.
func (p *Pool) CloseUserSessions(userID string) {
	p.mu.Lock()
	var victims []*Session
	for key := range p.byUser[userID] {
		if sess, ok := p.sessions[key]; ok {
			victims = append(victims, sess)
			p.deleteLocked(key)
		}
	}
	p.mu.Unlock()

	for _, sess := range victims {
		sess.Close()
	}
	if len(victims) > 0 {
		p.logger.Info("user sessions closed", "user_id", userID, "count", len(victims))
	}
}

// sweepLoop periodically closes sessions idle beyond the configured timeout.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes idle sessions. Exposed for tests via the sweep interval.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var victims []*Session
	for key, sess := range p.sessions {
		if sess.LastActivity().Before(cutoff) {
			victims = append(victims, sess)
			p.deleteLocked(key)
		}
	}
	p.mu.Unlock()

	for _, sess := range victims {
		sess.Close()
		p.logger.Info("idle session swept", "key", sess.Key)
	}
}

// Shutdown stops the sweep and closes every session.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	victims := make([]*Session, 0, len(p.sessions))
	for key, sess := range p.sessions {
		victims = append(victims, sess)
		delete(p.sessions, key)
	}
	p.byUser = make(map[string]map[string]struct{})
	p.mu.Unlock()

	for _, sess := range victims {
		sess.Close()
	}
	p.logger.Info("session pool shut down", "closed", len(victims))
}

// PoolStats describes the pool for the health/stats surface.
type PoolStats struct {
	TotalSessions int            `json:"total_sessions"`
	ByRole        map[string]int `json:"sessions_by_role"`
	Sessions      []Stats        `json:"sessions"`
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		TotalSessions: len(p.sessions),
		ByRole:        make(map[string]int),
	}
	for _, sess := range p.sessions {
		stats.ByRole[sess.AgentRole]++
		stats.Sessions = append(stats.Sessions, sess.Snapshot())
	}
	return stats
}
