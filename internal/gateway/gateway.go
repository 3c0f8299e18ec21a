// ABOUTME: HTTP gateway wiring auth, rate limiting, sessions, and streaming into one API.
// ABOUTME: Chat responses stream as NDJSON, one persisted event per line.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/agentrun"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/stream"
)

// Gateway is the inbound HTTP API. It orchestrates one user message end to
// end: verify, rate-limit, resolve attachments, run the agent, translate, and
// stream the result.
type Gateway struct {
	verifier   auth.TokenVerifier
	limiter    *ratelimit.Limiter
	sessions   *session.Manager
	registry   *registry.Registry
	translator *stream.Translator
	store      store.Store
	runner     agentrun.Runner
	logger     *slog.Logger

	httpServer *http.Server
}

// New creates a gateway over the given collaborators.
func New(verifier auth.TokenVerifier, limiter *ratelimit.Limiter, sessions *session.Manager,
	reg *registry.Registry, translator *stream.Translator, st store.Store,
	runner agentrun.Runner, logger *slog.Logger) *Gateway {
	return &Gateway{
		verifier:   verifier,
		limiter:    limiter,
		sessions:   sessions,
		registry:   reg,
		translator: translator,
		store:      st,
		runner:     runner,
		logger:     logger.With("component", "gateway"),
	}
}

// Handler builds the full route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)

	mux.HandleFunc("POST /api/chat", g.requireUser(g.handleChat))
	mux.HandleFunc("GET /api/sessions/{id}/events", g.requireUser(g.handleEvents))

	mux.HandleFunc("POST /api/connectors/test", g.requireUser(g.handleTestConnection))
	mux.HandleFunc("POST /api/connectors", g.requireUser(g.handleRegisterConnector))
	mux.HandleFunc("GET /api/connectors", g.requireUser(g.handleListConnectors))
	mux.HandleFunc("DELETE /api/connectors/{id}", g.requireUser(g.handleDeleteConnector))

	mux.HandleFunc("POST /api/sessions/{id}/connectors/{connector_id}", g.requireUser(g.handleAttach))
	mux.HandleFunc("DELETE /api/sessions/{id}/connectors/{connector_id}", g.requireUser(g.handleDetach))

	mux.HandleFunc("POST /api/credentials/oauth", g.requireUser(g.handleOAuthCredential))

	return mux
}

// Start begins serving on addr. Blocks until the server stops.
func (g *Gateway) Start(addr string) error {
	g.httpServer = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.logger.Info("http server listening", "addr", addr)
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Shutdown(ctx)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userHandler is an authenticated handler.
type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireUser verifies the bearer token and passes the user identity through.
func (g *Gateway) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			g.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := g.verifier.Verify(token)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r, userID)
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// visibleConnector loads a connector and enforces that the user may use it:
// system connectors are shared, custom ones are owner-only.
func (g *Gateway) visibleConnector(ctx context.Context, connectorID, userID string) (int, error) {
	conn, err := g.registry.Get(ctx, connectorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound, errors.New("connector not found")
		}
		return http.StatusInternalServerError, err
	}
	if !conn.IsSystem() && conn.OwnerUserID != userID {
		// Hidden, not forbidden: don't leak other users' connector IDs.
		return http.StatusNotFound, errors.New("connector not found")
	}
	return http.StatusOK, nil
}
