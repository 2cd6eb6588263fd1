// Package main is the entry point for the plumber dataflow service runtime.
package main

import (
	"fmt"
	"os"

	"github.com/firestige/plumber/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
