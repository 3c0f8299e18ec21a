// ABOUTME: ScriptedRunner, a deterministic Runner driven by a fixed step list.
// ABOUTME: Used by tests and by the demo wiring in place of a real model backend.

package agentrun

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// StepKind identifies one scripted action.
type StepKind string

const (
	StepDelta  StepKind = "delta"
	StepCall   StepKind = "call"
	StepFinish StepKind = "finish"
	StepFail   StepKind = "fail"
)

// Step is one scripted action. Call steps invoke the named tool through the
// ToolCaller and emit the requested/completed event pair around it.
type Step struct {
	Kind        StepKind
	Text        string // delta or final text
	ConnectorID string
	Tool        string
	Args        json.RawMessage
	Err         error // fail reason
}

// ScriptedRunner replays a fixed script, performing real tool calls through
// the caller. Each Run replays the same script.
type ScriptedRunner struct {
	caller ToolCaller
	steps  []Step
}

// NewScriptedRunner creates a runner that replays steps on every Run.
func NewScriptedRunner(caller ToolCaller, steps []Step) *ScriptedRunner {
	return &ScriptedRunner{caller: caller, steps: steps}
}

// Run replays the script. The channel closes after the terminal event; if the
// script names no terminal, run_finished with empty text is appended. Context
// cancellation produces a run_failed terminal.
func (r *ScriptedRunner) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	out := make(chan Event)

	go func() {
		defer close(out)

		terminal := false
		for _, step := range r.steps {
			if ctx.Err() != nil {
				out <- Event{Kind: EventRunFailed, Err: ctx.Err()}
				return
			}

			switch step.Kind {
			case StepDelta:
				out <- Event{Kind: EventTextDelta, Text: step.Text}

			case StepCall:
				call := &ToolCall{
					ID:          uuid.New().String(),
					ConnectorID: step.ConnectorID,
					Name:        step.Tool,
					Args:        step.Args,
				}
				out <- Event{Kind: EventToolCallRequested, ToolCall: call}

				result, err := r.caller.CallTool(ctx, req.SessionID, step.ConnectorID, step.Tool, step.Args)
				completed := *call
				completed.Result = result
				completed.Err = err
				out <- Event{Kind: EventToolCallCompleted, ToolCall: &completed}

			case StepFinish:
				out <- Event{Kind: EventRunFinished, Text: step.Text}
				terminal = true

			case StepFail:
				out <- Event{Kind: EventRunFailed, Err: step.Err}
				terminal = true
			}

			if terminal {
				return
			}
		}

		if !terminal {
			out <- Event{Kind: EventRunFinished}
		}
	}()

	return out, nil
}
