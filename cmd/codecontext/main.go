// Package main provides the entry point for the codecontext CLI.
package main

import (
	"os"

	"github.com/codecontext-dev/codecontext/cmd/codecontext/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
