// ABOUTME: Chat streaming and event-resume handlers.
// ABOUTME: Every streamed line is a persisted event; resume reads the same log by sequence range.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/toolgate/internal/agentrun"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/stream"
)

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// rateLimitWarning is an unnumbered meta line sent ahead of the event stream
// when the user's bucket is nearly exhausted.
type rateLimitWarning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	decision := g.limiter.Acquire(userID)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		g.sendJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"retry_after_seconds": decision.RetryAfter.Seconds(),
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Resolve which connectors this session may use, then make each usable.
	attachments, err := g.sessions.Resolve(r.Context(), req.SessionID)
	if err != nil {
		g.logger.Error("resolving attachments", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var bindings []agentrun.ToolBinding
	for _, att := range attachments {
		if err := g.sessions.EnsureActive(r.Context(), req.SessionID, att.ConnectorID); err != nil {
			// A dead connector shrinks the tool set, it does not block the run.
			g.logger.Warn("connector unavailable for run",
				"session_id", req.SessionID, "connector_id", att.ConnectorID, "error", err)
			continue
		}
		for _, tool := range g.sessions.Tools(req.SessionID, att.ConnectorID) {
			bindings = append(bindings, agentrun.ToolBinding{ConnectorID: att.ConnectorID, Tool: tool})
		}
	}

	// The run outlives the client connection: a disconnected client resumes
	// from the persisted log, so the run context must not die with the request.
	runCtx := context.WithoutCancel(r.Context())
	events, err := g.runner.Run(runCtx, agentrun.RunRequest{
		SessionID: req.SessionID,
		UserID:    userID,
		Message:   req.Message,
		Tools:     bindings,
	})
	if err != nil {
		g.logger.Error("starting run", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := g.translator.Translate(r.Context(), req.SessionID, events)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	if decision.Warning {
		_ = encoder.Encode(rateLimitWarning{Kind: "rate_limit_warning", Message: "rate limit nearly exhausted"})
		flusher.Flush()
	}

	for event := range out {
		if err := encoder.Encode(event); err != nil {
			// Client is gone; the translator keeps persisting on its own.
			g.logger.Info("client write failed, stream continues to log",
				"session_id", req.SessionID, "error", err)
			break
		}
		flusher.Flush()
	}
}

// eventsResponse is the body of the resume endpoint. GapError is set when the
// requested range is not contiguous (e.g. pruned history) instead of silently
// skipping sequence numbers.
type eventsResponse struct {
	Events   []*store.StreamEvent `json:"events"`
	GapError string               `json:"gap_error,omitempty"`
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	sessionID := r.PathValue("id")

	from, err := parseSeq(r.URL.Query().Get("from"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseSeq(r.URL.Query().Get("to"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid to")
		return
	}

	events, err := g.store.GetStreamEvents(r.Context(), sessionID, from, to)
	if err != nil {
		g.logger.Error("loading stream events", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := eventsResponse{Events: events}
	if len(events) > 0 && from > 0 && events[0].SequenceNo != from {
		resp.GapError = "requested range starts before retained history"
	} else if err := stream.CheckContiguous(events); err != nil {
		resp.GapError = err.Error()
	}
	if resp.Events == nil {
		resp.Events = []*store.StreamEvent{}
	}

	g.sendJSON(w, http.StatusOK, resp)
}

func parseSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
