// ABOUTME: Stdio transport that spawns a tool-server subprocess and speaks
// ABOUTME: newline-delimited JSON-RPC-shaped messages over its stdin/stdout.

package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// maxLineBytes bounds a single protocol line. Oversized lines are a protocol
// error, not an OOM.
const maxLineBytes = 4 << 20 // 4 MiB

// rpcRequest is one outbound line to the tool server.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one inbound line from the tool server.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// StdioTransport owns one tool-server subprocess. Requests are correlated to
// responses by id: a single reader goroutine dispatches lines to per-request
// channels, and a write mutex serializes stdin.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *rpcResponse
	readErr error
	closed  bool
	done    chan struct{}
}

// newStdioTransport starts the subprocess and the reader goroutine. A failure
// to start is Unreachable; the launch spec's validity is re-checked here, not
// assumed from registration time.
func newStdioTransport(ctx context.Context, launch LaunchSpec) (*StdioTransport, error) {
	// Deliberately not CommandContext: cancellation of the opening context
	// must not kill a process that outlives it. Only Close kills.
	cmd := exec.Command(launch.Command, launch.Args...)
	cmd.Env = os.Environ()
	for k, v := range launch.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewConnectError(Unreachable, fmt.Errorf("opening stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewConnectError(Unreachable, fmt.Errorf("opening stdout: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, NewConnectError(Unreachable, fmt.Errorf("starting %s: %w", launch.Command, err))
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)

	// Respect a context that was already cancelled before the spawn.
	select {
	case <-ctx.Done():
		_ = t.Close()
		return nil, classify(ctx.Err())
	default:
	}

	return t, nil
}

// readLoop is the single reader: it parses each stdout line and routes it to
// the pending request channel matching its id. A malformed line is a protocol
// error that fails every in-flight request, never silently dropped.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.failAll(NewConnectError(ProtocolMismatch, fmt.Errorf("malformed line from tool server: %w", err)))
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if !ok {
			// Response for an unknown id: protocol violation.
			t.failAll(NewConnectError(ProtocolMismatch, fmt.Errorf("response for unknown request id %d", resp.ID)))
			return
		}
		ch <- &resp
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.failAll(NewConnectError(Unreachable, fmt.Errorf("tool server stdout closed: %w", err)))
}

// failAll terminates every pending request with err and poisons the transport.
func (t *StdioTransport) failAll(err error) {
	t.mu.Lock()
	if t.readErr == nil {
		t.readErr = err
		close(t.done)
	}
	pending := t.pending
	t.pending = make(map[uint64]chan *rpcResponse)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// roundTrip sends one request and waits for its matching response.
func (t *StdioTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		rawParams = encoded
	}

	id := t.nextID.Add(1)
	req := rpcRequest{ID: id, Method: method, Params: rawParams}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	if t.readErr != nil {
		err := t.readErr
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	_, err = t.stdin.Write(append(line, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, NewConnectError(Unreachable, fmt.Errorf("writing to tool server: %w", err))
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, classify(ctx.Err())

	case resp, ok := <-ch:
		if !ok {
			t.mu.Lock()
			err := t.readErr
			t.mu.Unlock()
			if err == nil {
				err = NewConnectError(Unreachable, errors.New("tool server connection lost"))
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, &ToolCallError{Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// ListTools implements ToolTransport.
func (t *StdioTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := t.roundTrip(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}

	var tools []Tool
	if err := json.Unmarshal(result, &tools); err != nil {
		return nil, NewConnectError(ProtocolMismatch, fmt.Errorf("invalid tool list: %w", err))
	}
	if err := dedupeTools(tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool implements ToolTransport.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return t.roundTrip(ctx, "call_tool", callToolParams{Name: name, Arguments: args})
}

// Ping implements ToolTransport. The probe is a list_tools round trip; a
// server that answers it is alive and speaking the protocol.
func (t *StdioTransport) Ping(ctx context.Context) error {
	_, err := t.ListTools(ctx)
	return err
}

// Close kills the subprocess and reaps it. Idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}

// ToolCallError is a tool-level failure returned by the server. It is not a
// transport failure: the connection stays usable.
type ToolCallError struct {
	Message string
}

func (e *ToolCallError) Error() string {
	return "tool call failed: " + e.Message
}
