package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Build information injected at build time via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const description = "Watch open pull requests across GitHub repositories and triage them from the terminal."

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pr-watcher"),
		kong.Description(description),
		kong.Vars{"version": fmt.Sprintf("pr-watcher %s (commit: %s)", Version, Commit)},
		kong.UsageOnError(),
		kong.Bind(&cli),
	)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
