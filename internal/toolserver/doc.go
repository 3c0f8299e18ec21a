// Package toolserver implements the server side of the stdio tool protocol:
// newline-delimited JSON requests on stdin, responses on stdout. It backs
// cmd/echo-tool and the transport tests.
package toolserver
