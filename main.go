// Package main is the entry point for the flowtrack stream tracker.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/flowtrack/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
