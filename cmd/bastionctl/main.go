// Package main is the entry point for the bastion CLI.
// The CLI is the terminal tool for submitting and controlling jobs through
// the shared store directory.
package main

import (
	"os"

	"bastion/cmd/bastionctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
