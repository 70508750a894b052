// Package main is the entry point for the lua-embed server.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/lua-embed/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
