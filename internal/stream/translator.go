// ABOUTME: Turns a run's event trace into ordered, persisted UI events.
// ABOUTME: Every event is appended to the session log before delivery so clients can resume.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/agentrun"
	"github.com/2389/toolgate/internal/store"
)

// DefaultCoalesceWindow batches text deltas into one progress event.
const DefaultCoalesceWindow = 200 * time.Millisecond

// DefaultBufferSize bounds the outbound channel. A slow consumer applies
// back-pressure to the producer instead of growing an unbounded buffer.
const DefaultBufferSize = 16

// ErrUpstreamCrashed is the synthesized terminal reason when the run's event
// channel closes without a terminal event.
var ErrUpstreamCrashed = errors.New("stream: upstream closed without a terminal event")

// progressPayload is the body of a progress event.
type progressPayload struct {
	PartialText string `json:"partial_text"`
}

// toolCallStartedPayload is the body of a tool_call_started event. Args are
// summarized, never dumped raw.
type toolCallStartedPayload struct {
	ToolCallID  string `json:"tool_call_id"`
	ToolName    string `json:"tool_name"`
	ArgsSummary string `json:"args_summary"`
}

// toolCallResultPayload is the body of a tool_call_result event.
type toolCallResultPayload struct {
	ToolCallID    string `json:"tool_call_id"`
	ToolName      string `json:"tool_name"`
	Status        string `json:"status"` // ok | error
	ResultSummary string `json:"result_summary"`
}

// finalMessagePayload is the body of the final_message terminal.
type finalMessagePayload struct {
	Text string `json:"text"`
}

// errorPayload is the body of the error terminal.
type errorPayload struct {
	Message string `json:"message"`
}

// Translator converts run events into persisted stream events. Safe for
// concurrent use; each Translate call runs independently.
type Translator struct {
	store  store.StreamEventStore
	logger *slog.Logger
	window time.Duration
	buffer int
}

// NewTranslator creates a translator writing to the given event log.
func NewTranslator(st store.StreamEventStore, logger *slog.Logger) *Translator {
	return &Translator{
		store:  st,
		logger: logger.With("component", "stream"),
		window: DefaultCoalesceWindow,
		buffer: DefaultBufferSize,
	}
}

// SetCoalesceWindow overrides the delta batching window.
func (t *Translator) SetCoalesceWindow(d time.Duration) {
	if d > 0 {
		t.window = d
	}
}

// SetBufferSize overrides the outbound channel capacity.
func (t *Translator) SetBufferSize(n int) {
	if n > 0 {
		t.buffer = n
	}
}

// Translate consumes the run's event trace and returns a bounded channel of
// persisted stream events. The channel carries exactly one terminal event and
// is then closed. If ctx is cancelled (client disconnect), delivery stops but
// the translator keeps draining and persisting until the run's terminal so the
// client can resume from the log.
func (t *Translator) Translate(ctx context.Context, sessionID string, source <-chan agentrun.Event) <-chan *store.StreamEvent {
	out := make(chan *store.StreamEvent, t.buffer)
	go t.run(ctx, sessionID, source, out)
	return out
}

func (t *Translator) run(ctx context.Context, sessionID string, source <-chan agentrun.Event, out chan<- *store.StreamEvent) {
	defer close(out)

	// Persistence must outlive a client disconnect.
	persistCtx := context.WithoutCancel(ctx)

	delivering := true
	terminal := false

	emit := func(kind store.StreamEventKind, payload any) {
		body, err := json.Marshal(payload)
		if err != nil {
			t.logger.Error("marshaling stream payload", "session_id", sessionID, "error", err)
			return
		}

		event, err := t.store.AppendStreamEvent(persistCtx, sessionID, kind, body)
		if err != nil {
			// The client still gets the event, flagged as outside the
			// resumable sequence so the live stream stays honest about it.
			t.logger.Error("persisting stream event", "session_id", sessionID, "kind", kind, "error", err)
			event = &store.StreamEvent{SessionID: sessionID, Kind: kind, Payload: markUnsequenced(body), EmittedAt: time.Now().UTC()}
		}

		if !delivering {
			return
		}
		select {
		case out <- event:
		case <-ctx.Done():
			delivering = false
			t.logger.Info("client gone, draining run to completion", "session_id", sessionID)
		}
	}

	var pending strings.Builder
	timer := time.NewTimer(t.window)
	timer.Stop()
	timerArmed := false

	flush := func() {
		if timerArmed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerArmed = false
		}
		if pending.Len() == 0 {
			return
		}
		emit(store.KindProgress, progressPayload{PartialText: pending.String()})
		pending.Reset()
	}

	for {
		select {
		case ev, ok := <-source:
			if !ok {
				flush()
				if !terminal {
					emit(store.KindError, errorPayload{Message: ErrUpstreamCrashed.Error()})
				}
				return
			}
			if terminal {
				// Contract violation upstream; drain without emitting.
				continue
			}

			switch ev.Kind {
			case agentrun.EventTextDelta:
				pending.WriteString(ev.Text)
				if !timerArmed {
					timer.Reset(t.window)
					timerArmed = true
				}

			case agentrun.EventToolCallRequested:
				flush()
				emit(store.KindToolCallStarted, toolCallStartedPayload{
					ToolCallID:  ev.ToolCall.ID,
					ToolName:    ev.ToolCall.Name,
					ArgsSummary: Summarize(ev.ToolCall.Args),
				})

			case agentrun.EventToolCallCompleted:
				flush()
				payload := toolCallResultPayload{
					ToolCallID: ev.ToolCall.ID,
					ToolName:   ev.ToolCall.Name,
					Status:     "ok",
				}
				if ev.ToolCall.Err != nil {
					payload.Status = "error"
					payload.ResultSummary = ev.ToolCall.Err.Error()
				} else {
					payload.ResultSummary = Summarize(ev.ToolCall.Result)
				}
				emit(store.KindToolCallResult, payload)

			case agentrun.EventRunFinished:
				flush()
				emit(store.KindFinalMessage, finalMessagePayload{Text: ev.Text})
				terminal = true

			case agentrun.EventRunFailed:
				flush()
				msg := "run failed"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				emit(store.KindError, errorPayload{Message: msg})
				terminal = true

			default:
				t.logger.Warn("unknown run event kind", "session_id", sessionID, "kind", ev.Kind)
			}

		case <-timer.C:
			timerArmed = false
			if pending.Len() > 0 {
				emit(store.KindProgress, progressPayload{PartialText: pending.String()})
				pending.Reset()
			}
		}
	}
}

// markUnsequenced annotates an event payload that was never persisted and so
// holds no place in the session's sequence.
func markUnsequenced(body json.RawMessage) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	doc["unsequenced"] = true
	marked, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return marked
}

// CheckContiguous verifies that a slice of events has no sequence gaps.
// Returns an error naming the first gap, which readers surface instead of
// silently skipping (pruned history shows up as a truncated range).
func CheckContiguous(events []*store.StreamEvent) error {
	for i := 1; i < len(events); i++ {
		if events[i].SequenceNo != events[i-1].SequenceNo+1 {
			return fmt.Errorf("stream: sequence gap between %d and %d",
				events[i-1].SequenceNo, events[i].SequenceNo)
		}
	}
	return nil
}
