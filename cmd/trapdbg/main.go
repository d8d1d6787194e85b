package main

import (
	"os"

	"github.com/trapdbg/trapdbg/cmd/trapdbg/cmds"
	"github.com/trapdbg/trapdbg/pkg/version"
)

// Build is the git sha of this binary's source.
var Build string

func main() {
	if Build != "" {
		version.TrapdbgVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
