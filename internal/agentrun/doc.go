// Package agentrun defines the event contract between an agent backend and
// the streaming layer: a Runner emits TextDelta, ToolCallRequested,
// ToolCallCompleted, and a terminal RunFinished or RunFailed on a channel,
// calling tools through a ToolCaller. ScriptedRunner replays a fixed script
// for tests and for instances with no model backend.
package agentrun
