// ABOUTME: Buffers streamed text and decides when to flush it to the socket.
// ABOUTME: Adaptive interval plus size threshold; structured events bypass the buffer.

package pacer

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parley-chat/parley-gateway/internal/wire"
)

// FrameSender delivers one frame to a connection. The registry satisfies
// this; it owns the single-writer discipline on the socket.
type FrameSender interface {
	Send(conversationID, userID string, frame any) bool
}

// Config holds the pacing knobs.
type Config struct {
	// InitialFlushInterval paces the first scheduled flush of a turn.
	InitialFlushInterval time.Duration
	// SteadyFlushInterval paces flushes after the first one, trading
	// latency for frame-count efficiency as a turn progresses.
	SteadyFlushInterval time.Duration
	// MaxBufferSize triggers an immediate flush when the pending text
	// reaches this many runes.
	MaxBufferSize int
}

// DefaultConfig returns the production pacing defaults.
func DefaultConfig() Config {
	return Config{
		InitialFlushInterval: 50 * time.Millisecond,
		SteadyFlushInterval:  100 * time.Millisecond,
		MaxBufferSize:        30,
	}
}

// Pacer buffers text fragments for one turn on one connection and relays
// structured events immediately. The very first chunk of a pacer's lifetime
// is flushed at once to minimize time to first visible output.
type Pacer struct {
	sender         FrameSender
	conversationID string
	userID         string
	cfg            Config
	logger         *slog.Logger

	mu          sync.Mutex
	buffer      []string
	bufferRunes int
	accumulated strings.Builder
	flushCount  int
	lastFlush   time.Time
	timer       *time.Timer
	timerGen    int // invalidates stale delayed-flush callbacks
}

// New creates a pacer for one connection. Pass nil logger for the default.
func New(sender FrameSender, conversationID, userID string, cfg Config, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialFlushInterval <= 0 {
		cfg.InitialFlushInterval = DefaultConfig().InitialFlushInterval
	}
	if cfg.SteadyFlushInterval <= 0 {
		cfg.SteadyFlushInterval = DefaultConfig().SteadyFlushInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	return &Pacer{
		sender:         sender,
		conversationID: conversationID,
		userID:         userID,
		cfg:            cfg,
		logger:         logger.With("component", "pacer"),
		lastFlush:      time.Now(),
	}
}

// interval returns the flush interval in effect: fast before the first
// flush, steady afterwards.
func (p *Pacer) interval() time.Duration {
	if p.flushCount == 0 {
		return p.cfg.InitialFlushInterval
	}
	return p.cfg.SteadyFlushInterval
}

// WriteTextChunk appends a text fragment and flushes according to policy.
func (p *Pacer) WriteTextChunk(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, content)
	p.bufferRunes += utf8.RuneCountInString(content)
	p.accumulated.WriteString(content)

	if p.flushCount == 0 {
		// First chunk ever: flush immediately, regardless of thresholds.
		p.flushLocked()
		return
	}

	interval := p.interval()
	elapsed := time.Since(p.lastFlush)
	if elapsed >= interval || p.bufferRunes >= p.cfg.MaxBufferSize {
		p.flushLocked()
		return
	}
	if p.timer == nil {
		p.scheduleLocked(interval - elapsed)
	}
}

// flushLocked sends the pending buffer as one text_chunk frame and cancels
// any scheduled flush so a size-triggered flush never produces a duplicate
// empty one. Caller holds p.mu.
func (p *Pacer) flushLocked() {
	p.cancelTimerLocked()

	if len(p.buffer) == 0 {
		return
	}

	content := strings.Join(p.buffer, "")
	p.buffer = p.buffer[:0]
	p.bufferRunes = 0

	if !p.sender.Send(p.conversationID, p.userID, wire.TextChunk(content)) {
		p.logger.Debug("text flush dropped, connection gone",
			"conversation_id", p.conversationID,
			"user_id", p.userID,
		)
	}
	p.flushCount++
	p.lastFlush = time.Now()
}

// scheduleLocked arms the delayed flush timer. Caller holds p.mu.
func (p *Pacer) scheduleLocked(d time.Duration) {
	gen := p.timerGen
	p.timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.timerGen != gen {
			return // cancelled or superseded by an earlier flush
		}
		p.timer = nil
		p.flushLocked()
	})
}

// cancelTimerLocked stops a pending delayed flush. Caller holds p.mu.
func (p *Pacer) cancelTimerLocked() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// WriteToolUse flushes buffered text, then sends the tool event
// immediately. Text produced before a tool event arrives before it.
func (p *Pacer) WriteToolUse(toolName, toolID string, input map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.ToolUse(toolName, toolID, input))
}

// WriteToolResult flushes buffered text, then sends the result immediately.
func (p *Pacer) WriteToolResult(toolID string, result any, isError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.ToolResult(toolID, result, isError))
}

// WriteToolProgress flushes buffered text, then sends the progress event.
func (p *Pacer) WriteToolProgress(toolName, toolID string, progress float64, status, filePath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.ToolProgress(toolName, toolID, progress, status, filePath))
}

// WriteTaskStart flushes buffered text, then announces a task.
func (p *Pacer) WriteTaskStart(taskType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.TaskStart(taskType))
}

// WriteTaskProgress flushes buffered text, then sends the progress event.
func (p *Pacer) WriteTaskProgress(progress float64, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.TaskProgress(progress, content))
}

// WriteError reports an error frame, best-effort. It does not fail when the
// underlying connection is already gone.
func (p *Pacer) WriteError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender.Send(p.conversationID, p.userID, wire.Error(message))
}

// WriteDone flushes the remaining buffer, then sends the terminal marker.
func (p *Pacer) WriteDone(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.sender.Send(p.conversationID, p.userID, wire.Done(messageID))
}

// Finalize flushes the remainder and returns the full accumulated text of
// the turn, used to persist the complete assistant reply.
func (p *Pacer) Finalize() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	return p.accumulated.String()
}

// Close cancels any pending flush timer. Called on connection teardown so
// no timer task outlives the turn.
func (p *Pacer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimerLocked()
}

// FlushCount returns how many text frames have been sent.
func (p *Pacer) FlushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushCount
}
