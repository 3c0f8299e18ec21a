// Package stream translates agent run events into the persisted,
// client-facing event stream.
//
// # Translator
//
// Translate consumes a channel of agentrun.Event and produces a bounded
// channel of store.StreamEvent:
//
//	out := translator.Translate(ctx, sessionID, runEvents)
//
// Mapping:
//
//   - TextDelta -> progress (deltas coalesced on a 200ms window)
//   - ToolCallRequested -> tool_call_started (args summarized and redacted)
//   - ToolCallCompleted -> tool_call_result (status ok or error)
//   - RunFinished -> final_message
//   - RunFailed -> error
//
// Every event is appended to the session's stream-event log before it is
// delivered, so sequence numbers are allocated at persist time and a
// disconnected client can resume by range. Exactly one terminal event is
// emitted per run; if the source channel closes without one, a synthetic
// error event is written.
//
// The ctx passed to Translate governs delivery only. When the client goes
// away the translator stops sending but keeps draining and persisting until
// the run's terminal event.
//
// # Summaries
//
// Summarize renders tool arguments and results for the stream: values under
// secret-looking keys are replaced with "[redacted]" and the output is
// truncated, so raw payloads never reach clients or the log.
package stream
