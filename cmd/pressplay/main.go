// Command pressplay is the entry point for the transparent-compression
// automation CLI, grounded on the teacher's cmd/queue/main.go: build-time
// version injection via -ldflags, a global panic recovery wrapper, and a
// thin delegation into the internal/cli command tree.
package main

import (
	"fmt"
	"os"

	"github.com/pressplay/automation/internal/cli"
)

var (
	version = "0.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "pressplay: fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pressplay: %v\n", err)
		os.Exit(1)
	}
}
