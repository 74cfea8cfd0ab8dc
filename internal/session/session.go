// ABOUTME: Owns one long-lived streaming call into the generation runtime.
// ABOUTME: Feeds the call from a message inbox and translates raw blocks into stream events.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley-gateway/internal/inbox"
	"github.com/parley-chat/parley-gateway/internal/runtime"
)

// ErrSessionClosed indicates an operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

// ErrSessionFailed indicates the session's runtime call ended while a turn
// was expected; the session must be evicted and recreated.
var ErrSessionFailed = errors.New("session failed")

// eventBufferSize is the translated event channel buffer. Bounded so a
// runaway runtime cannot accumulate unbounded memory between turns.
const eventBufferSize = 16

// Session wraps one long-lived streaming call into the generation runtime.
// Many user turns share the single call: messages are pushed into the inbox
// and the runtime pulls them as an open-ended input sequence, so no context
// re-initialization cost is paid per message.
type Session struct {
	ID        string
	AgentRole string
	Key       string
	UserID    string
	CreatedAt time.Time

	runner runtime.Runner
	opts   runtime.StreamOptions
	inbox  *inbox.Inbox
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	// turnMu serializes turn drivers. All events flow through the one
	// events channel, so only one consumer may drive a turn at a time
	// even when several connections share the session.
	turnMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	failed       bool
	lastActivity time.Time
	messageCount int
	totalCostUSD float64
	seq          uint64 // pool insertion order, for eviction tie-breaks

	events chan Event
	done   chan struct{} // closed by Close; unblocks the translator
	cancel context.CancelFunc
}

// newSession constructs an uninitialized session. The pool registers it
// first and initializes it outside the table lock.
func newSession(id, key, agentRole string, runner runtime.Runner, opts runtime.StreamOptions, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		AgentRole:    agentRole,
		Key:          key,
		CreatedAt:    now,
		runner:       runner,
		opts:         opts,
		inbox:        inbox.New(),
		logger:       logger.With("session_id", id, "agent_role", agentRole),
		lastActivity: now,
		events:       make(chan Event, eventBufferSize),
		done:         make(chan struct{}),
	}
}

// Initialize starts the long-lived runtime call. Safe to call from many
// goroutines; exactly one starts the stream and the rest wait on its
// outcome, so a session key never owns more than one runtime call.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.initOnce.Do(func() {
		s.initErr = s.startStream()
	})
	return s.initErr
}

// startStream opens the runtime call and spawns the block translator.
// Runs at most once, under initOnce.
func (s *Session) startStream() error {
	// The call outlives the initiating request, so it gets its own
	// cancellation root rather than the caller's ctx.
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	input := s.inbox.Messages(runCtx)
	blocks, err := s.runner.Stream(runCtx, s.opts, input)
	if err != nil {
		cancel()
		return err
	}

	go s.translate(blocks)

	s.logger.Info("session initialized")
	return nil
}

// translate drains raw runtime blocks into the event channel until the
// runtime call ends.
func (s *Session) translate(blocks <-chan runtime.Block) {
	defer close(s.events)

	for block := range blocks {
		var ev Event
		switch block.Kind {
		case runtime.BlockText:
			ev = Event{Kind: EventTextChunk, Text: block.Text}
		case runtime.BlockToolUse:
			ev = Event{Kind: EventToolUse, ToolUse: &ToolUseEvent{
				ID:    block.ToolUse.ID,
				Name:  block.ToolUse.Name,
				Input: block.ToolUse.Input,
			}}
		case runtime.BlockToolResult:
			ev = Event{Kind: EventToolResult, ToolResult: &ToolResultEvent{
				ID:      block.ToolResult.ToolUseID,
				Result:  block.ToolResult.Content,
				IsError: block.ToolResult.IsError,
			}}
		case runtime.BlockToolProgress:
			ev = Event{Kind: EventToolProgress, ToolProgress: &ToolProgressEvent{
				ID:       block.ToolProgress.ToolUseID,
				Name:     block.ToolProgress.Name,
				Progress: block.ToolProgress.Progress,
				Status:   block.ToolProgress.Status,
				FilePath: block.ToolProgress.FilePath,
			}}
		case runtime.BlockResult:
			s.mu.Lock()
			s.totalCostUSD += block.Result.TotalCostUSD
			s.lastActivity = time.Now()
			s.mu.Unlock()
			ev = Event{Kind: EventDone, Result: &ResultEvent{
				TotalCostUSD: block.Result.TotalCostUSD,
				DurationMS:   block.Result.DurationMS,
				NumTurns:     block.Result.NumTurns,
			}}
		case runtime.BlockError:
			ev = Event{Kind: EventError, Error: block.Error}
		default:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// SendMessage pushes one user message into the session's inbox and returns
// the assigned message id.
func (s *Session) SendMessage(content string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.failed {
		s.mu.Unlock()
		return "", ErrSessionFailed
	}
	s.lastActivity = time.Now()
	s.messageCount++
	s.mu.Unlock()

	msg, err := s.inbox.Push(content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// BeginTurn claims exclusive ownership of the event stream for one turn.
// Callers must push their message and consume up to the turn's terminal
// event while holding the claim, then EndTurn. Without it, concurrent
// drivers on a shared session would split one turn's events between them.
func (s *Session) BeginTurn() {
	s.turnMu.Lock()
}

// EndTurn releases the turn claim taken by BeginTurn.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// Events returns the translated stream event channel. Events within one
// turn arrive in production order; the channel is closed when the runtime
// call ends. A closure observed while a turn is in flight means the session
// has failed and must be evicted.
func (s *Session) Events() <-chan Event {
	return s.events
}

// MarkFailed records that the runtime call ended unexpectedly. The pool
// will not return a failed session from lookup.
func (s *Session) MarkFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	s.logger.Warn("session marked failed")
}

// Close ends the runtime call by closing the inbox and cancelling the
// stream context. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	close(s.done)
	s.inbox.Close()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("session closed")
}

// Live reports whether the session can still serve turns.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.failed
}

// Touch updates the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent send or turn completion.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stats describes a session for the health/stats surface.
type Stats struct {
	ID           string    `json:"id"`
	AgentRole    string    `json:"agent_role"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	TotalCostUSD float64   `json:"total_cost_usd"`
}

// Snapshot returns a point-in-time view of the session counters.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:           s.ID,
		AgentRole:    s.AgentRole,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		MessageCount: s.messageCount,
		TotalCostUSD: s.totalCostUSD,
	}
}
