package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Build information injected at build time via ldflags
// Example: -ldflags="-X main.Version=v1.0.0 -X main.Commit=abc123"
var (
	Commit  = "unknown"
	Version = "dev"
)

const description = "Approve agent permission requests and answer waiting sessions from chat"

func versionInfo() string {
	return fmt.Sprintf("bridged %s (commit: %s)", Version, Commit)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bridged"),
		kong.Description(description),
		kong.Vars{"version": versionInfo()},
		kong.UsageOnError(),
		kong.Bind(&cli),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
