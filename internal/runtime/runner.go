// ABOUTME: Boundary types for the upstream text-generation runtime.
// ABOUTME: Defines the raw block union and the Runner interface for one long-lived streaming call.

package runtime

import (
	"context"

	"github.com/parley-chat/parley-gateway/internal/inbox"
)

// BlockKind discriminates the raw output block union produced by the
// generation runtime during a turn.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockToolUse
	BlockToolResult
	BlockToolProgress
	BlockResult
	BlockError
)

// Block is one raw output block from the runtime. Exactly one of the
// payload fields corresponding to Kind is populated.
type Block struct {
	Kind         BlockKind
	Text         string
	ToolUse      *ToolUseBlock
	ToolResult   *ToolResultBlock
	ToolProgress *ToolProgressBlock
	Result       *ResultBlock
	Error        string
}

// ToolUseBlock is a tool invocation emitted by the runtime.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock is the outcome of a completed tool invocation.
type ToolResultBlock struct {
	ToolUseID string
	Content   any
	IsError   bool
}

// ToolProgressBlock reports progress of a long-running tool invocation.
type ToolProgressBlock struct {
	ToolUseID string
	Name      string
	Progress  float64 // 0..1
	Status    string
	FilePath  string
}

// ResultBlock terminates a turn and carries usage totals.
type ResultBlock struct {
	TotalCostUSD float64
	DurationMS   int64
	NumTurns     int
}

// StreamOptions configures one long-lived streaming call.
type StreamOptions struct {
	AgentRole    string
	SystemPrompt string
	Model        string
	WorkDir      string
	MaxTurns     int
}

// Runner is the narrow interface the session layer uses to drive the
// generation runtime. Stream opens one long-lived call: the input channel is
// open-ended, so many user turns share a single execution context instead of
// paying re-initialization cost per message. The returned channel yields raw
// blocks in production order and is closed when the call ends; it ends when
// the input channel is closed or ctx is cancelled.
type Runner interface {
	Stream(ctx context.Context, opts StreamOptions, input <-chan inbox.Message) (<-chan Block, error)
}
