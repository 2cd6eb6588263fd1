// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/firestige/plumber/graphdesc"
	"github.com/firestige/plumber/internal/config"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/internal/task"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a task configuration file",
	Long: `Validate a task configuration file (JSON or YAML) without creating a task.

This is useful for pre-checking configuration before deploying to the daemon.
File format is auto-detected from extension (.json, .yaml, .yml).

Pass --graph instead of --file to validate a declarative YAML service-graph
description (see package graphdesc): this resolves every node's servlet name
against the daemon's default registry and builds the graph without running
any servlet, so a bad node/edge reference is caught before deployment.

Examples:
  otus validate -f task.json
  otus validate -f task.yaml
  otus validate --graph graph.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if validateGraphFile != "" {
			runValidateGraphCommand()
			return
		}
		runValidateCommand()
	},
}

var validateConfigFile string
var validateGraphFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"task configuration file to validate")
	validateCmd.Flags().StringVar(&validateGraphFile, "graph", "",
		"graphdesc YAML service-graph description to validate")
}

func runValidateCommand() {
	if validateConfigFile == "" {
		exitWithError("validate", fmt.Errorf("one of --file or --graph is required"))
	}

	data, err := os.ReadFile(validateConfigFile)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to read file %s", validateConfigFile), err)
	}

	taskConfig, err := config.ParseTaskConfigAuto(data, validateConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: Task %q — %d parser(s), %d processor(s), %d reporter(s)\n",
		taskConfig.ID,
		len(taskConfig.Parsers),
		len(taskConfig.Processors),
		len(taskConfig.Reporters),
	)
}

func runValidateGraphCommand() {
	spec, err := graphdesc.Load(validateGraphFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	registry, err := task.DefaultRegistry()
	if err != nil {
		exitWithError("failed to build default servlet registry", err)
	}

	g, err := graph.BuildFromSpec(spec, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	order := g.TopologicalOrder()

	fmt.Printf("VALID: graph %q — %d node(s), %d edge(s)\n",
		validateGraphFile, len(spec.Nodes), len(spec.Edges))
	fmt.Printf("load order: %v\n", order)
}
