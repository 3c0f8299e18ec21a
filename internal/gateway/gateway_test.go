// ABOUTME: End-to-end tests for the HTTP gateway over real store, vault, and transports.
// ABOUTME: Covers connector management, streamed chat, rate limiting, and disconnect-resume.

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/agentrun"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/connector"
	"github.com/2389/toolgate/internal/discovery"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/stream"
	"github.com/2389/toolgate/internal/vault"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, req agentrun.RunRequest) (<-chan agentrun.Event, error)

func (f runnerFunc) Run(ctx context.Context, req agentrun.RunRequest) (<-chan agentrun.Event, error) {
	return f(ctx, req)
}

type testEnv struct {
	server   *httptest.Server
	store    *store.SQLiteStore
	registry *registry.Registry
	sessions *session.Manager
	toolSrv  *httptest.Server
}

// newTestEnv stands up a full gateway: real SQLite store, vault, registry,
// session manager, and a remote echo tool server.
func newTestEnv(t *testing.T, capacity int, runner agentrun.Runner) *testEnv {
	t.Helper()
	logger := slog.Default()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	reg := registry.New(st, v, logger)

	cache := discovery.New(time.Minute)
	t.Cleanup(cache.Close)

	sessions := session.NewManager(reg, cache, st, logger)
	t.Cleanup(func() { _ = sessions.Close() })

	translator := stream.NewTranslator(st, logger)
	translator.SetCoalesceWindow(20 * time.Millisecond)

	limiter := ratelimit.New(capacity, time.Minute)
	verifier := auth.StaticVerifier{"tok-1": "user-1", "tok-2": "user-2"}

	if runner == nil {
		runner = agentrun.NewScriptedRunner(sessions, []agentrun.Step{{Kind: agentrun.StepFinish, Text: "ok"}})
	}

	g := New(verifier, limiter, sessions, reg, translator, st, runner, logger)
	server := httptest.NewServer(g.Handler())
	t.Cleanup(server.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]connector.Tool{{Name: "echo", Description: "Echo the payload"}})
	})
	mux.HandleFunc("POST /tools/echo/call", func(w http.ResponseWriter, r *http.Request) {
		var args json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&args)
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"echo": args})
	})
	toolSrv := httptest.NewServer(mux)
	t.Cleanup(toolSrv.Close)

	return &testEnv{server: server, store: st, registry: reg, sessions: sessions, toolSrv: toolSrv}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// registerEcho registers the env's echo tool server as a connector for user-1
// and returns its ID.
func (e *testEnv) registerEcho(t *testing.T) string {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/connectors", "tok-1", connectorRequest{
		Name:   "echo server",
		Kind:   connector.KindHTTPRemote,
		Launch: connector.LaunchSpec{BaseURL: e.toolSrv.URL},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	return body["connector_id"].(string)
}

func TestGateway_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, 50, nil)

	resp := env.request(t, http.MethodGet, "/api/connectors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/api/connectors", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_ConnectorLifecycle(t *testing.T) {
	env := newTestEnv(t, 50, nil)

	// Test against a live server before saving anything.
	resp := env.request(t, http.MethodPost, "/api/connectors/test", "tok-1", connectorRequest{
		Kind:   connector.KindHTTPRemote,
		Launch: connector.LaunchSpec{BaseURL: env.toolSrv.URL},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tested := decodeBody[map[string][]connector.Tool](t, resp)
	require.Len(t, tested["tools"], 1)
	assert.Equal(t, "echo", tested["tools"][0].Name)

	// Testing a dead server reports the failure and persists nothing.
	resp = env.request(t, http.MethodPost, "/api/connectors/test", "tok-1", connectorRequest{
		Kind:   connector.KindHTTPRemote,
		Launch: connector.LaunchSpec{BaseURL: "http://127.0.0.1:1"},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	id := env.registerEcho(t)

	resp = env.request(t, http.MethodGet, "/api/connectors", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[map[string][]connectorView](t, resp)
	require.Len(t, listed["connectors"], 1)
	assert.Equal(t, id, listed["connectors"][0].ID)

	// Another user cannot see or remove it.
	resp = env.request(t, http.MethodGet, "/api/connectors", "tok-2", nil)
	other := decodeBody[map[string][]connectorView](t, resp)
	assert.Empty(t, other["connectors"])

	resp = env.request(t, http.MethodDelete, "/api/connectors/"+id, "tok-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodDelete, "/api/connectors/"+id, "tok-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/api/connectors", "tok-1", nil)
	afterDelete := decodeBody[map[string][]connectorView](t, resp)
	assert.Empty(t, afterDelete["connectors"])
}

func TestGateway_AttachDetach(t *testing.T) {
	env := newTestEnv(t, 50, nil)
	id := env.registerEcho(t)

	resp := env.request(t, http.MethodPost, "/api/sessions/sess-1/connectors/"+id, "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	attached := decodeBody[map[string]any](t, resp)
	assert.Equal(t, string(store.StatusActive), attached["status"])

	// Another user cannot attach someone else's connector.
	resp = env.request(t, http.MethodPost, "/api/sessions/sess-2/connectors/"+id, "tok-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodDelete, "/api/sessions/sess-1/connectors/"+id, "tok-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodDelete, "/api/sessions/sess-1/connectors/"+id, "tok-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func readNDJSON(t *testing.T, body io.Reader) []*store.StreamEvent {
	t.Helper()
	var events []*store.StreamEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event store.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &event), "line: %s", line)
		events = append(events, &event)
	}
	return events
}

// TestGateway_ChatStreamsOrderedEvents walks the full path: registered and
// attached connector, a run that calls the echo tool, and an NDJSON response
// whose lines are the persisted stream events in order.
func TestGateway_ChatStreamsOrderedEvents(t *testing.T) {
	var env *testEnv
	runner := runnerFunc(func(ctx context.Context, req agentrun.RunRequest) (<-chan agentrun.Event, error) {
		if len(req.Tools) != 1 {
			return nil, fmt.Errorf("expected the resolved tool set, got %d tools", len(req.Tools))
		}
		scripted := agentrun.NewScriptedRunner(env.sessions, []agentrun.Step{
			{Kind: agentrun.StepDelta, Text: "Checking the echo server."},
			{Kind: agentrun.StepCall, ConnectorID: req.Tools[0].ConnectorID, Tool: "echo", Args: json.RawMessage(`{"n":1}`)},
			{Kind: agentrun.StepFinish, Text: "The echo server answered."},
		})
		return scripted.Run(ctx, req)
	})
	env = newTestEnv(t, 50, runner)

	id := env.registerEcho(t)
	resp := env.request(t, http.MethodPost, "/api/sessions/sess-1/connectors/"+id, "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/chat", "tok-1", chatRequest{SessionID: "sess-1", Message: "ask the echo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	events := readNDJSON(t, resp.Body)
	resp.Body.Close()
	require.Len(t, events, 4)

	assert.Equal(t, store.KindProgress, events[0].Kind)
	assert.Equal(t, store.KindToolCallStarted, events[1].Kind)
	assert.Equal(t, store.KindToolCallResult, events[2].Kind)
	assert.Equal(t, store.KindFinalMessage, events[3].Kind)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNo)
	}

	// The resume endpoint replays the identical log.
	resp = env.request(t, http.MethodGet, "/api/sessions/sess-1/events?from=1", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replay := decodeBody[eventsResponse](t, resp)
	require.Len(t, replay.Events, 4)
	assert.Empty(t, replay.GapError)
	assert.Equal(t, events[3].Payload, replay.Events[3].Payload)
}

func TestGateway_ChatRateLimited(t *testing.T) {
	env := newTestEnv(t, 1, nil)

	resp := env.request(t, http.MethodPost, "/api/chat", "tok-1", chatRequest{SessionID: "sess-1", Message: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/chat", "tok-1", chatRequest{SessionID: "sess-1", Message: "two"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := decodeBody[map[string]any](t, resp)
	assert.Greater(t, body["retry_after_seconds"].(float64), 0.0)

	// A different user is unaffected.
	resp = env.request(t, http.MethodPost, "/api/chat", "tok-2", chatRequest{SessionID: "sess-2", Message: "hello"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestGateway_ChatWarnsNearLimit(t *testing.T) {
	// Capacity 1: the first acquire consumes the whole bucket, crossing the
	// warning threshold.
	env := newTestEnv(t, 1, nil)

	resp := env.request(t, http.MethodPost, "/api/chat", "tok-1", chatRequest{SessionID: "sess-1", Message: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	var first map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &first))
	assert.Equal(t, "rate_limit_warning", first["kind"])
}

func TestGateway_ChatBadRequest(t *testing.T) {
	env := newTestEnv(t, 50, nil)

	resp := env.request(t, http.MethodPost, "/api/chat", "tok-1", map[string]string{"message": "no session"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// TestGateway_DisconnectThenResume drops the client mid-run and verifies the
// full event log, terminal included, lands in the store for later resume.
func TestGateway_DisconnectThenResume(t *testing.T) {
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req agentrun.RunRequest) (<-chan agentrun.Event, error) {
		ch := make(chan agentrun.Event)
		go func() {
			defer close(ch)
			ch <- agentrun.Event{Kind: agentrun.EventToolCallRequested,
				ToolCall: &agentrun.ToolCall{ID: "tc-1", Name: "slow_tool"}}
			<-release
			ch <- agentrun.Event{Kind: agentrun.EventToolCallCompleted,
				ToolCall: &agentrun.ToolCall{ID: "tc-1", Name: "slow_tool", Result: json.RawMessage(`{"ok":true}`)}}
			ch <- agentrun.Event{Kind: agentrun.EventRunFinished, Text: "done after disconnect"}
		}()
		return ch, nil
	})
	env := newTestEnv(t, 50, runner)

	resp := env.request(t, http.MethodPost, "/api/chat", "tok-1", chatRequest{SessionID: "sess-1", Message: "go"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the first event, then hang up.
	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	resp.Body.Close()
	close(release)

	// The run finishes on the server; every event reaches the log.
	require.Eventually(t, func() bool {
		events, err := env.store.GetStreamEvents(context.Background(), "sess-1", 0, 0)
		return err == nil && len(events) == 3 && events[2].Kind == store.KindFinalMessage
	}, 5*time.Second, 20*time.Millisecond)

	resp = env.request(t, http.MethodGet, "/api/sessions/sess-1/events?from=2", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resumed := decodeBody[eventsResponse](t, resp)
	require.Len(t, resumed.Events, 2)
	assert.Empty(t, resumed.GapError)
	assert.Equal(t, store.KindFinalMessage, resumed.Events[1].Kind)
}

func TestGateway_EventsReportPrunedHistoryAsGap(t *testing.T) {
	env := newTestEnv(t, 50, nil)
	ctx := context.Background()

	_, err := env.store.AppendStreamEvent(ctx, "sess-1", store.KindProgress, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	cutoff := time.Now()
	_, err = env.store.AppendStreamEvent(ctx, "sess-1", store.KindProgress, nil)
	require.NoError(t, err)
	_, err = env.store.AppendStreamEvent(ctx, "sess-1", store.KindFinalMessage, nil)
	require.NoError(t, err)

	pruned, err := env.store.PruneStreamEvents(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	resp := env.request(t, http.MethodGet, "/api/sessions/sess-1/events?from=1", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[eventsResponse](t, resp)
	require.Len(t, body.Events, 2)
	assert.NotEmpty(t, body.GapError, "pruned history is reported, never silently skipped")
}

func TestGateway_OAuthCredentialIntake(t *testing.T) {
	env := newTestEnv(t, 50, nil)
	id := env.registerEcho(t)

	expires := time.Now().Add(time.Hour).UTC()
	resp := env.request(t, http.MethodPost, "/api/credentials/oauth", "tok-1", oauthCredentialRequest{
		ConnectorID: id,
		AccessToken: "tok-from-oauth-layer",
		ExpiresAt:   &expires,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	rec, err := env.store.GetCredential(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, connector.SecretOAuthToken, rec.SecretKind)
	assert.NotContains(t, rec.EncryptedSecret, "tok-from-oauth-layer")

	// Unknown connector
	resp = env.request(t, http.MethodPost, "/api/credentials/oauth", "tok-1", oauthCredentialRequest{
		ConnectorID: "missing",
		AccessToken: "x",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_Healthz(t *testing.T) {
	env := newTestEnv(t, 50, nil)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
