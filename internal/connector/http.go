// ABOUTME: HTTP transport for remote tool servers using GET /tools and POST /tools/{name}/call.
// ABOUTME: Auth via bearer token or API key header depending on the connector's auth method.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransport talks to a remote tool server over plain HTTP.
type HTTPTransport struct {
	baseURL string
	auth    AuthMethod
	cred    Credential
	client  *http.Client
}

func newHTTPTransport(launch LaunchSpec, auth AuthMethod, cred Credential) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(launch.BaseURL, "/"),
		auth:    auth,
		cred:    cred,
		client: &http.Client{
			Timeout: DefaultCallTimeout,
		},
	}
}

// authorize attaches credentials to req per the connector's auth method.
func (t *HTTPTransport) authorize(req *http.Request) {
	switch t.auth {
	case AuthOAuth2:
		req.Header.Set("Authorization", "Bearer "+t.cred.Secret)
	case AuthAPIKey:
		req.Header.Set("X-API-Key", t.cred.Secret)
	}
}

// do executes the request and classifies transport-level failures.
func (t *HTTPTransport) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, NewConnectError(AuthRejected, fmt.Errorf("server returned %s", resp.Status))
	}
	return resp, nil
}

// ListTools implements ToolTransport via GET {base}/tools.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewConnectError(ProtocolMismatch,
			fmt.Errorf("tool list request returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var tools []Tool
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, NewConnectError(ProtocolMismatch, fmt.Errorf("invalid tool list: %w", err))
	}
	if err := dedupeTools(tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool implements ToolTransport via POST {base}/tools/{name}/call.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	body := args
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	endpoint := t.baseURL + "/tools/" + url.PathEscape(name) + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	if err != nil {
		return nil, NewConnectError(Unreachable, fmt.Errorf("reading tool result: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		// The server answered with a tool-level error body if it could.
		var toolErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &toolErr) == nil && toolErr.Error != "" {
			return nil, &ToolCallError{Message: toolErr.Error}
		}
		return nil, NewConnectError(ProtocolMismatch,
			fmt.Errorf("tool call returned %s: %s", resp.Status, strings.TrimSpace(string(raw))))
	}

	if !json.Valid(raw) {
		return nil, NewConnectError(ProtocolMismatch, fmt.Errorf("tool result is not valid JSON"))
	}
	return raw, nil
}

// Ping implements ToolTransport. HTTP transports are connectionless, so the
// probe is a cheap tool-list fetch with a short deadline.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := t.ListTools(ctx)
	return err
}

// Close implements ToolTransport. There is no persistent connection to tear down.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
