// Package main provides the entry point for the cookfed CLI.
package main

import (
	"os"

	"github.com/cookfed/cookfed/cmd/cookfed/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
