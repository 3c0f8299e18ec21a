// Package connector defines tool-server connectors and their transports.
//
// # Kinds
//
// A connector is either a stdio_process (a subprocess speaking
// newline-delimited JSON on stdin/stdout) or an http_remote (a base URL
// exposing GET /tools and POST /tools/{name}/call). Both are reached through
// the same interface:
//
//	type ToolTransport interface {
//	    ListTools(ctx context.Context) ([]Tool, error)
//	    CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// Open constructs the right transport for a kind; nothing above this package
// branches on connector kind.
//
// # Errors
//
// Connection failures are classified into a ConnectError with one of four
// kinds: Unreachable, AuthRejected, ProtocolMismatch, Timeout. Use KindOf to
// recover the kind from a wrapped error. A tool that runs but reports
// failure returns a ToolCallError, which is not a transport failure.
package connector
