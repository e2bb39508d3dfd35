// Package main is the CLI entry point for maestro.
package main

import (
	"fmt"
	"os"

	"github.com/harrison/maestro/internal/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
