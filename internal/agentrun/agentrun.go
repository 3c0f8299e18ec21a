// ABOUTME: Run-event contract between the agent layer and the streaming translator.
// ABOUTME: A run is a channel of events: text deltas, tool calls, and exactly one terminal.

package agentrun

import (
	"context"
	"encoding/json"

	"github.com/2389/toolgate/internal/connector"
)

// EventKind identifies one variant of the run-event trace.
type EventKind string

const (
	// EventTextDelta is an incremental chunk of assistant text.
	EventTextDelta EventKind = "text_delta"

	// EventToolCallRequested is emitted when the agent decides to invoke a tool.
	EventToolCallRequested EventKind = "tool_call_requested"

	// EventToolCallCompleted carries a tool invocation's result or error.
	EventToolCallCompleted EventKind = "tool_call_completed"

	// EventRunFinished is the successful terminal with the final assistant text.
	EventRunFinished EventKind = "run_finished"

	// EventRunFailed is the failure terminal.
	EventRunFailed EventKind = "run_failed"
)

// Terminal reports whether this kind ends a run.
func (k EventKind) Terminal() bool {
	return k == EventRunFinished || k == EventRunFailed
}

// ToolCall describes one tool invocation within a run. Result and Err are only
// set on completed events.
type ToolCall struct {
	ID          string
	ConnectorID string
	Name        string
	Args        json.RawMessage
	Result      json.RawMessage
	Err         error
}

// Event is one unit of a run's trace.
type Event struct {
	Kind     EventKind
	Text     string // delta text, or final text on run_finished
	ToolCall *ToolCall
	Err      error // set on run_failed
}

// ToolBinding pairs a discovered tool with the connector that serves it,
// forming the tool set a run may use.
type ToolBinding struct {
	ConnectorID string
	Tool        connector.Tool
}

// RunRequest is one user message plus the session's resolved tool set.
type RunRequest struct {
	SessionID string
	UserID    string
	Message   string
	Tools     []ToolBinding
}

// Runner produces the event trace for one run. The returned channel is closed
// after the terminal event. Implementations must emit exactly one terminal
// unless the context is cancelled first.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)
}

// ToolCaller invokes tools on live session attachments. Implemented by the
// session manager.
type ToolCaller interface {
	CallTool(ctx context.Context, sessionID, connectorID, tool string, args []byte) ([]byte, error)
}
