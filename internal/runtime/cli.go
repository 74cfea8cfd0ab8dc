// ABOUTME: Runner implementation that drives a Claude-compatible CLI subprocess.
// ABOUTME: Speaks bidirectional stream-json (NDJSON) over the child's stdin/stdout.

package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/parley-chat/parley-gateway/internal/inbox"
)

// maxLineBytes bounds a single NDJSON line from the child process.
// Tool results can carry large file contents.
const maxLineBytes = 8 * 1024 * 1024

// CLIRunner runs one long-lived CLI process per session and exchanges
// stream-json messages with it. The process stays alive across turns; user
// messages are written to stdin as they arrive and output blocks are parsed
// from stdout as they are produced.
type CLIRunner struct {
	command string
	logger  *slog.Logger
}

// NewCLIRunner creates a runner that spawns the given command,
// e.g. "claude". Pass nil logger for the default.
func NewCLIRunner(command string, logger *slog.Logger) *CLIRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{
		command: command,
		logger:  logger.With("component", "cli-runner"),
	}
}

// Stream starts the child process and wires the open-ended input sequence
// to its stdin. The returned channel is closed when the process exits.
func (r *CLIRunner) Stream(ctx context.Context, opts StreamOptions, input <-chan inbox.Message) (<-chan Block, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.command, err)
	}

	r.logger.Info("runtime process started",
		"command", r.command,
		"agent_role", opts.AgentRole,
		"pid", cmd.Process.Pid,
	)

	// Writer: relay the inbox sequence to the child's stdin. Closing stdin
	// tells the child no further turns are coming.
	go func() {
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		for msg := range input {
			in := cliInput{
				Type: "user",
				Message: cliInputMessage{
					Role: "user",
					Content: []cliInputBlock{
						{Type: "text", Text: msg.Content},
					},
				},
			}
			if err := enc.Encode(&in); err != nil {
				r.logger.Warn("failed to write user message to runtime",
					"error", err,
					"message_id", msg.ID,
				)
				return
			}
		}
	}()

	out := make(chan Block, 16)

	// Reader: parse NDJSON output into blocks until the process exits.
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg cliOutput
			if err := json.Unmarshal(line, &msg); err != nil {
				r.logger.Warn("skipping unparseable runtime output", "error", err)
				continue
			}
			for _, block := range translateOutput(&msg) {
				select {
				case out <- block:
				case <-ctx.Done():
					_ = cmd.Wait()
					return
				}
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			out <- Block{Kind: BlockError, Error: fmt.Sprintf("runtime process exited: %v", err)}
		}
	}()

	return out, nil
}

// cliInput is a stream-json message written to the child's stdin.
type cliInput struct {
	Type    string          `json:"type"`
	Message cliInputMessage `json:"message"`
}

type cliInputMessage struct {
	Role    string          `json:"role"`
	Content []cliInputBlock `json:"content"`
}

type cliInputBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// cliOutput is a stream-json message read from the child's stdout.
type cliOutput struct {
	Type         string           `json:"type"` // "assistant", "user", "system", "result"
	Subtype      string           `json:"subtype,omitempty"`
	Message      *cliOutputInner  `json:"message,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd,omitempty"`
	DurationMS   int64            `json:"duration_ms,omitempty"`
	NumTurns     int              `json:"num_turns,omitempty"`
	IsError      bool             `json:"is_error,omitempty"`
	Result       string           `json:"result,omitempty"`
}

type cliOutputInner struct {
	Role    string           `json:"role"`
	Content []cliOutputBlock `json:"content"`
}

type cliOutputBlock struct {
	Type      string         `json:"type"` // "text", "tool_use", "tool_result"
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// translateOutput converts one stream-json message into zero or more blocks.
func translateOutput(msg *cliOutput) []Block {
	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var blocks []Block
		for _, b := range msg.Message.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, Block{Kind: BlockText, Text: b.Text})
			case "tool_use":
				blocks = append(blocks, Block{Kind: BlockToolUse, ToolUse: &ToolUseBlock{
					ID:    b.ID,
					Name:  b.Name,
					Input: b.Input,
				}})
			}
		}
		return blocks

	case "user":
		// Tool results come back wrapped in user messages.
		if msg.Message == nil {
			return nil
		}
		var blocks []Block
		for _, b := range msg.Message.Content {
			if b.Type == "tool_result" {
				blocks = append(blocks, Block{Kind: BlockToolResult, ToolResult: &ToolResultBlock{
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				}})
			}
		}
		return blocks

	case "result":
		if msg.IsError {
			errText := msg.Result
			if errText == "" {
				errText = "runtime reported an error result"
			}
			return []Block{{Kind: BlockError, Error: errText}}
		}
		return []Block{{Kind: BlockResult, Result: &ResultBlock{
			TotalCostUSD: msg.TotalCostUSD,
			DurationMS:   msg.DurationMS,
			NumTurns:     msg.NumTurns,
		}}}
	}

	// System and unknown message types carry no turn output.
	return nil
}
