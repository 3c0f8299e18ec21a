// ABOUTME: Connector management handlers: test, register, list, deactivate, attach, detach.
// ABOUTME: Secrets arrive once over these endpoints and exist at rest only vault-encrypted.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/connector"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
)

// connectorRequest is the body of the test and register endpoints.
type connectorRequest struct {
	Name       string               `json:"name"`
	Kind       connector.Kind       `json:"kind"`
	Launch     connector.LaunchSpec `json:"launch"`
	AuthMethod connector.AuthMethod `json:"auth_method"`
	Secret     string               `json:"secret,omitempty"`
}

func (r *connectorRequest) normalize() {
	if r.AuthMethod == "" {
		r.AuthMethod = connector.AuthNone
	}
}

func (g *Gateway) handleTestConnection(w http.ResponseWriter, r *http.Request, userID string) {
	var req connectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.normalize()

	tools, err := g.registry.TestConnection(r.Context(), req.Kind, req.Launch, req.AuthMethod, req.Secret)
	if err != nil {
		g.sendConnectError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (g *Gateway) handleRegisterConnector(w http.ResponseWriter, r *http.Request, userID string) {
	var req connectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name, kind, and launch are required")
		return
	}
	req.normalize()

	conn := &connector.Connector{
		OwnerUserID: userID,
		Name:        req.Name,
		Kind:        req.Kind,
		Launch:      req.Launch,
		AuthMethod:  req.AuthMethod,
	}
	tools, err := g.registry.Register(r.Context(), conn, req.Secret)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			g.sendJSONError(w, http.StatusConflict, "connector already exists")
			return
		}
		g.sendConnectError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, map[string]any{
		"connector_id": conn.ID,
		"tools":        tools,
	})
}

// connectorView is the list representation. Launch env and secrets are never
// echoed back.
type connectorView struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Kind       connector.Kind       `json:"kind"`
	AuthMethod connector.AuthMethod `json:"auth_method"`
	System     bool                 `json:"system"`
	CreatedAt  time.Time            `json:"created_at"`
}

func (g *Gateway) handleListConnectors(w http.ResponseWriter, r *http.Request, userID string) {
	conns, err := g.registry.ListForUser(r.Context(), userID)
	if err != nil {
		g.logger.Error("listing connectors", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]connectorView, len(conns))
	for i, c := range conns {
		views[i] = connectorView{
			ID:         c.ID,
			Name:       c.Name,
			Kind:       c.Kind,
			AuthMethod: c.AuthMethod,
			System:     c.IsSystem(),
			CreatedAt:  c.CreatedAt,
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"connectors": views})
}

func (g *Gateway) handleDeleteConnector(w http.ResponseWriter, r *http.Request, userID string) {
	connectorID := r.PathValue("id")

	conn, err := g.registry.Get(r.Context(), connectorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "connector not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conn.IsSystem() {
		g.sendJSONError(w, http.StatusForbidden, "system connectors cannot be removed")
		return
	}
	if conn.OwnerUserID != userID {
		g.sendJSONError(w, http.StatusNotFound, "connector not found")
		return
	}

	if err := g.registry.Deactivate(r.Context(), connectorID); err != nil {
		g.logger.Error("deactivating connector", "connector_id", connectorID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleAttach(w http.ResponseWriter, r *http.Request, userID string) {
	sessionID := r.PathValue("id")
	connectorID := r.PathValue("connector_id")

	if status, err := g.visibleConnector(r.Context(), connectorID, userID); err != nil {
		g.sendJSONError(w, status, err.Error())
		return
	}

	if err := g.sessions.Attach(r.Context(), sessionID, connectorID); err != nil {
		if session.KindOf(err) == session.AttachmentLockBusy {
			g.sendJSONError(w, http.StatusConflict, "attach already in progress")
			return
		}
		g.sendConnectError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"connector_id": connectorID,
		"status":       store.StatusActive,
	})
}

func (g *Gateway) handleDetach(w http.ResponseWriter, r *http.Request, userID string) {
	sessionID := r.PathValue("id")
	connectorID := r.PathValue("connector_id")

	if err := g.sessions.Detach(r.Context(), sessionID, connectorID); err != nil {
		if session.KindOf(err) == session.AlreadyDetached {
			g.sendJSONError(w, http.StatusNotFound, "not attached")
			return
		}
		g.logger.Error("detaching", "session_id", sessionID, "connector_id", connectorID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// oauthCredentialRequest is the hand-off body from the external OAuth layer.
type oauthCredentialRequest struct {
	ConnectorID  string     `json:"connector_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (g *Gateway) handleOAuthCredential(w http.ResponseWriter, r *http.Request, userID string) {
	var req oauthCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectorID == "" || req.AccessToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "connector_id and access_token are required")
		return
	}

	if status, err := g.visibleConnector(r.Context(), req.ConnectorID, userID); err != nil {
		g.sendJSONError(w, status, err.Error())
		return
	}

	err := g.registry.SaveOAuthCredential(r.Context(), req.ConnectorID, connector.OAuthToken{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		g.logger.Error("saving oauth credential", "connector_id", req.ConnectorID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendConnectError maps the connector error taxonomy onto HTTP statuses.
func (g *Gateway) sendConnectError(w http.ResponseWriter, err error) {
	switch connector.KindOf(err) {
	case connector.AuthRejected:
		g.sendJSONError(w, http.StatusBadGateway, "tool server rejected credentials")
	case connector.Timeout:
		g.sendJSONError(w, http.StatusGatewayTimeout, "tool server timed out")
	case connector.Unreachable:
		g.sendJSONError(w, http.StatusBadGateway, "tool server unreachable")
	case connector.ProtocolMismatch:
		g.sendJSONError(w, http.StatusBadGateway, "tool server speaks an unexpected protocol")
	default:
		if errors.Is(err, registry.ErrSecretRequired) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("connector operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
