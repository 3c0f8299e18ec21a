// ABOUTME: ToolTransport interface and constructor, the single seam between
// ABOUTME: connector kinds and everything above them. Callers never branch on kind.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultCallTimeout bounds a single tool invocation.
const DefaultCallTimeout = 60 * time.Second

// ToolTransport is a live connection to one tool server. Implementations are
// safe for concurrent use. Close releases the underlying process or connection
// and is idempotent.
type ToolTransport interface {
	// ListTools queries the server for its available tools. Duplicate tool
	// names within one server are a ProtocolMismatch.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes one tool and returns its raw JSON result.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// Ping is a lightweight health probe.
	Ping(ctx context.Context) error

	// Close terminates the connection. For stdio transports this kills the
	// subprocess.
	Close() error
}

// Credential is the decrypted secret a transport authenticates with.
// Empty for AuthNone connectors. It lives only in process memory.
type Credential struct {
	Kind   SecretKind
	Secret string // API key or OAuth access token
}

// Open establishes a live transport for the given kind and launch spec.
// The returned transport has not been probed; callers should Ping or ListTools
// to confirm the server actually speaks the protocol.
func Open(ctx context.Context, kind Kind, launch LaunchSpec, auth AuthMethod, cred Credential) (ToolTransport, error) {
	if err := launch.Validate(kind); err != nil {
		return nil, NewConnectError(Unreachable, err)
	}

	switch kind {
	case KindStdioProcess:
		return newStdioTransport(ctx, launch)
	case KindHTTPRemote:
		return newHTTPTransport(launch, auth, cred), nil
	default:
		return nil, NewConnectError(Unreachable, launch.Validate(kind))
	}
}

// dedupeTools enforces the tool-name uniqueness invariant on a discovered list.
func dedupeTools(tools []Tool) error {
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			return NewConnectError(ProtocolMismatch, errEmptyToolName)
		}
		if _, dup := seen[tool.Name]; dup {
			return NewConnectError(ProtocolMismatch, &duplicateToolError{name: tool.Name})
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

type duplicateToolError struct{ name string }

func (e *duplicateToolError) Error() string {
	return "duplicate tool name in server tool list: " + e.name
}

var errEmptyToolName = errors.New("tool with empty name in server tool list")
