package main

import (
	"fmt"
	"os"

	"github.com/dinoproject/dinocache/cmd"
	"github.com/dinoproject/dinocache/internal/app"
)

// Set with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	root := cmd.RootCommand(app.BuildInfo{Version: version, BuildDate: buildDate})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
