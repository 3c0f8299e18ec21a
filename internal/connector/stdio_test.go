// ABOUTME: Tests for the stdio transport using the test binary itself as the tool server.
// ABOUTME: Covers discovery, tool calls, protocol errors, timeouts, and process teardown.

package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperEnvVar selects a tool-server behavior when the test binary re-execs itself.
const helperEnvVar = "TOOLGATE_STDIO_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnvVar) {
	case "":
		os.Exit(m.Run())
	case "echo":
		runEchoHelper()
	case "garbage":
		fmt.Println("this is not json")
		// Keep stdin open so the transport sees the bad line, not EOF first.
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
		}
	case "silent":
		// Read requests forever, never answer.
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
		}
	}
	os.Exit(0)
}

// runEchoHelper is a minimal inline echo server. It mirrors the protocol in
// internal/toolserver without importing it, to keep this package's tests
// self-contained.
func runEchoHelper() {
	type req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		var r req
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}

		switch r.Method {
		case "list_tools":
			_ = enc.Encode(map[string]any{
				"id":     r.ID,
				"result": []map[string]any{{"name": "echo", "description": "echoes arguments"}},
			})
		case "call_tool":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(r.Params, &params)
			if params.Name != "echo" {
				_ = enc.Encode(map[string]any{
					"id":    r.ID,
					"error": map[string]string{"message": "unknown tool: " + params.Name},
				})
				continue
			}
			_ = enc.Encode(map[string]any{"id": r.ID, "result": params.Arguments})
		}
	}
}

func helperLaunch(mode string) LaunchSpec {
	return LaunchSpec{
		Command: os.Args[0],
		Env:     map[string]string{helperEnvVar: mode},
	}
}

func openHelper(t *testing.T, mode string) ToolTransport {
	t.Helper()
	transport, err := Open(context.Background(), KindStdioProcess, helperLaunch(mode), AuthNone, Credential{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestStdioTransport_ListTools(t *testing.T) {
	transport := openHelper(t, "echo")

	tools, err := transport.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestStdioTransport_CallTool(t *testing.T) {
	transport := openHelper(t, "echo")

	args := json.RawMessage(`{"payload":"hello"}`)
	result, err := transport.CallTool(context.Background(), "echo", args)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":"hello"}`, string(result))
}

func TestStdioTransport_ToolErrorIsNotTransportError(t *testing.T) {
	transport := openHelper(t, "echo")

	_, err := transport.CallTool(context.Background(), "no-such-tool", nil)
	var toolErr *ToolCallError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Message, "no-such-tool")

	// The connection survives a tool-level error.
	_, err = transport.CallTool(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
}

func TestStdioTransport_MalformedLineIsProtocolMismatch(t *testing.T) {
	transport := openHelper(t, "garbage")

	_, err := transport.ListTools(context.Background())
	require.Error(t, err)
	assert.Equal(t, ProtocolMismatch, KindOf(err))
}

func TestStdioTransport_TimeoutIsTyped(t *testing.T) {
	transport := openHelper(t, "silent")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := transport.ListTools(ctx)
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
}

func TestStdioTransport_MissingExecutableIsUnreachable(t *testing.T) {
	_, err := Open(context.Background(), KindStdioProcess, LaunchSpec{
		Command: "/nonexistent/tool-server-binary",
	}, AuthNone, Credential{})
	require.Error(t, err)
	assert.Equal(t, Unreachable, KindOf(err))
}

func TestStdioTransport_CloseIsIdempotent(t *testing.T) {
	transport := openHelper(t, "echo")

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	// Calls after close fail rather than hang.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.ListTools(ctx)
	assert.Error(t, err)
}

func TestStdioTransport_ConcurrentCalls(t *testing.T) {
	transport := openHelper(t, "echo")

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func(n int) {
			args := json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
			result, err := transport.CallTool(context.Background(), "echo", args)
			if err == nil && string(result) != string(args) {
				err = fmt.Errorf("response mismatch: sent %s got %s", args, result)
			}
			errs <- err
		}(i)
	}

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestLaunchSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		launch  LaunchSpec
		wantErr bool
	}{
		{"stdio with command", KindStdioProcess, LaunchSpec{Command: "/bin/echo"}, false},
		{"stdio missing command", KindStdioProcess, LaunchSpec{}, true},
		{"http with base url", KindHTTPRemote, LaunchSpec{BaseURL: "http://localhost:1234"}, false},
		{"http missing base url", KindHTTPRemote, LaunchSpec{}, true},
		{"unknown kind", Kind("carrier_pigeon"), LaunchSpec{Command: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.launch.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
