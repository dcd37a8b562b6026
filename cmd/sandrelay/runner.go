package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/runner"
)

var runnerRoot string

// turnRunnerCmd is the entry point used when this binary is staged inside an
// execution context. It is hidden: callers interact with the server, not
// with the runner directly.
var turnRunnerCmd = &cobra.Command{
	Use:    "turn-runner",
	Short:  "Execute one staged turn against the completion service",
	Hidden: true,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := config.Load()
		code := runner.Run(context.Background(), runner.Options{
			Root:          runnerRoot,
			APIKey:        config.ResolveCredential(),
			BaseURL:       config.ResolveBaseURL(),
			DefaultModel:  cfg.DefaultModel,
			DefaultEffort: cfg.ReasoningEffort,
			Stdout:        os.Stdout,
		})
		os.Exit(code)
	},
}

func init() {
	turnRunnerCmd.Flags().StringVar(&runnerRoot, "root", "sandrelay", "Directory holding the staged turn payload")
	rootCmd.AddCommand(turnRunnerCmd)
}
