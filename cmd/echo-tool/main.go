// ABOUTME: Stdio tool server exposing a single echo tool
// ABOUTME: Used by integration tests and as a reference connector target

package main

import (
	"fmt"
	"os"

	"github.com/2389/toolgate/internal/toolserver"
)

func main() {
	if err := toolserver.NewEcho().Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "echo-tool: %v\n", err)
		os.Exit(1)
	}
}
