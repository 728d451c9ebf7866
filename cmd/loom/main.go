// Package main provides the entry point for the loom CLI.
package main

import (
	"fmt"
	"os"

	"github.com/loomhq/loom/cmd/loom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
