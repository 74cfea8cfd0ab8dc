// ABOUTME: JSON frame vocabulary for the websocket conversation protocol.
// ABOUTME: Defines client and server frame shapes plus constructors for each type.

package wire

import (
	"encoding/json"
	"time"
)

// Client-to-server frame types.
const (
	TypeMessage = "message" // User message
	TypePong    = "pong"    // Heartbeat response
)

// Server-to-client frame types.
const (
	TypeConnected    = "connected"     // Handshake accepted
	TypeTextChunk    = "text_chunk"    // Streamed text content
	TypeToolUse      = "tool_use"      // Tool invocation started
	TypeToolResult   = "tool_result"   // Tool execution result
	TypeToolProgress = "tool_progress" // Tool execution progress
	TypeTaskStart    = "task_start"    // Long-running task started
	TypeTaskProgress = "task_progress" // Long-running task progress
	TypeError        = "error"         // Error report
	TypeDone         = "done"          // Turn complete
	TypePing         = "ping"          // Heartbeat probe
)

// ClientFrame is a frame received from a connected client.
// ID is an optional client-assigned message id used to suppress
// duplicate deliveries when a client retransmits after a reconnect.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
}

// ServerFrame is a frame sent to a connected client. Fields are populated
// according to Type; use the constructors below rather than building frames
// by hand so that required fields are always present.
type ServerFrame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	Content        string         `json:"content,omitempty"`
	TS             float64        `json:"ts,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolID         string         `json:"tool_id,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	Result         any            `json:"result,omitempty"`
	IsError        *bool          `json:"is_error,omitempty"`
	Progress       *float64       `json:"progress,omitempty"`
	Status         string         `json:"status,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	TaskType       string         `json:"task_type,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
}

// Encode serializes the frame to JSON.
func (f *ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// now returns the current time as float seconds since the epoch,
// matching the wire format clients expect for the ts field.
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Connected builds the handshake acknowledgement frame.
func Connected(conversationID string) *ServerFrame {
	return &ServerFrame{Type: TypeConnected, ConversationID: conversationID, TS: now()}
}

// UserMessage builds the frame relayed to the other participants of a
// conversation when one of them sends a message.
func UserMessage(sender, content, messageID string) *ServerFrame {
	return &ServerFrame{Type: TypeMessage, Sender: sender, Content: content, MessageID: messageID, TS: now()}
}

// TextChunk builds a streamed text frame.
func TextChunk(content string) *ServerFrame {
	return &ServerFrame{Type: TypeTextChunk, Content: content, TS: now()}
}

// ToolUse builds a tool invocation frame.
func ToolUse(toolName, toolID string, input map[string]any) *ServerFrame {
	return &ServerFrame{Type: TypeToolUse, ToolName: toolName, ToolID: toolID, ToolInput: input}
}

// ToolResult builds a tool result frame. The is_error field is always
// serialized so clients never have to guess at a missing value.
func ToolResult(toolID string, result any, isError bool) *ServerFrame {
	return &ServerFrame{Type: TypeToolResult, ToolID: toolID, Result: result, IsError: &isError}
}

// ToolProgress builds a tool progress frame. Progress is in [0, 1].
func ToolProgress(toolName, toolID string, progress float64, status, filePath string) *ServerFrame {
	return &ServerFrame{
		Type:     TypeToolProgress,
		ToolName: toolName,
		ToolID:   toolID,
		Progress: &progress,
		Status:   status,
		FilePath: filePath,
	}
}

// TaskStart builds a task start frame.
func TaskStart(taskType string) *ServerFrame {
	return &ServerFrame{Type: TypeTaskStart, TaskType: taskType}
}

// TaskProgress builds a task progress frame. Progress is in [0, 1].
func TaskProgress(progress float64, content string) *ServerFrame {
	return &ServerFrame{Type: TypeTaskProgress, Progress: &progress, Content: content}
}

// Error builds an error report frame.
func Error(message string) *ServerFrame {
	return &ServerFrame{Type: TypeError, Content: message}
}

// Done builds a turn completion frame. messageID may be empty when the
// assistant reply was not persisted.
func Done(messageID string) *ServerFrame {
	return &ServerFrame{Type: TypeDone, MessageID: messageID}
}

// Ping builds a heartbeat probe frame.
func Ping() *ServerFrame {
	return &ServerFrame{Type: TypePing, TS: now()}
}
