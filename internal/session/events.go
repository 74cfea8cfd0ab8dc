// ABOUTME: Neutral stream event union produced by a session during a turn.
// ABOUTME: Insulates the rest of the gateway from the runtime's native block vocabulary.

package session

// EventKind indicates the type of stream event.
type EventKind int

const (
	EventTextChunk EventKind = iota
	EventToolUse
	EventToolResult
	EventToolProgress
	EventTaskStart
	EventTaskProgress
	EventError
	EventDone
)

// Event is one stream event within a turn. Payload fields are populated
// according to Kind. Done and Error events terminate the turn.
type Event struct {
	Kind         EventKind
	Text         string
	ToolUse      *ToolUseEvent
	ToolResult   *ToolResultEvent
	ToolProgress *ToolProgressEvent
	TaskType     string // For EventTaskStart
	Progress     float64
	Error        string
	Result       *ResultEvent // For EventDone
}

// Terminal reports whether the event ends the current turn.
func (e *Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ToolUseEvent represents a tool invocation by the runtime.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	ID      string
	Result  any
	IsError bool
}

// ToolProgressEvent represents progress of a long-running tool invocation.
type ToolProgressEvent struct {
	ID       string
	Name     string
	Progress float64 // 0..1
	Status   string
	FilePath string
}

// ResultEvent carries the usage totals reported at turn completion.
type ResultEvent struct {
	TotalCostUSD float64
	DurationMS   int64
	NumTurns     int
}
