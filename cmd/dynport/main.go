// Package main is the entry point for the dynport CLI.
//
// Build-time variables (version, commit, date) are injected via ldflags by
// GoReleaser during the release process.
package main

import (
	"github.com/mmr-tortoise/dynport/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
