// ABOUTME: Minimal server side of the stdio tool protocol, for test tool servers.
// ABOUTME: Reads newline-delimited requests, dispatches to registered handlers, writes responses.

package toolserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/2389/toolgate/internal/connector"
)

// Handler executes one tool call and returns its JSON result.
type Handler func(args json.RawMessage) (json.RawMessage, error)

// Server answers list_tools and call_tool requests over a reader/writer pair.
// It exists for cmd/echo-tool and integration tests; production tool servers
// are external programs.
type Server struct {
	tools    []connector.Tool
	handlers map[string]Handler

	writeMu sync.Mutex
}

// New creates an empty server.
func New() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Register adds a tool and its handler.
func (s *Server) Register(tool connector.Tool, handler Handler) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Message string `json:"message"`
}

// Serve processes requests from r until EOF, writing responses to w.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("malformed request line: %w", err)
		}

		resp := s.dispatch(&req)
		if err := s.write(w, resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(req *request) *response {
	switch req.Method {
	case "list_tools":
		result, err := json.Marshal(s.tools)
		if err != nil {
			return &response{ID: req.ID, Error: &responseError{Message: err.Error()}}
		}
		return &response{ID: req.ID, Result: result}

	case "call_tool":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &response{ID: req.ID, Error: &responseError{Message: "invalid call_tool params: " + err.Error()}}
		}

		handler, ok := s.handlers[params.Name]
		if !ok {
			return &response{ID: req.ID, Error: &responseError{Message: "unknown tool: " + params.Name}}
		}

		result, err := handler(params.Arguments)
		if err != nil {
			return &response{ID: req.ID, Error: &responseError{Message: err.Error()}}
		}
		return &response{ID: req.ID, Result: result}

	default:
		return &response{ID: req.ID, Error: &responseError{Message: "unknown method: " + req.Method}}
	}
}

func (s *Server) write(w io.Writer, resp *response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// EchoTool returns the canonical echo tool definition used by tests.
func EchoTool() connector.Tool {
	return connector.Tool{
		Name:        "echo",
		Description: "Echoes its arguments back as the result.",
		JSONSchema:  json.RawMessage(`{"type":"object","properties":{"payload":{"type":"string"}}}`),
	}
}

// NewEcho builds a server exposing only the echo tool.
func NewEcho() *Server {
	s := New()
	s.Register(EchoTool(), func(args json.RawMessage) (json.RawMessage, error) {
		if len(args) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return args, nil
	})
	return s
}
