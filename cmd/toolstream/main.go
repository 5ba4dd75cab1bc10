// Package main provides the entry point for the toolstream CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/toolstream/cmd/toolstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
