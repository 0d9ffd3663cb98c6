// Command cortexd runs the core orchestration engine: the turn engine,
// tool dispatch pipeline, DAG executor, and context compactor, backed by
// either CockroachDB or in-memory storage.
//
// Usage:
//
//	cortexd serve --config cortexd.yaml
//	cortexd dag run graph.yaml
//	cortexd session replay <session-id>
//	cortexd models list --provider anthropic
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cortexd",
		Short: "Core orchestration engine for an interactive AI coding agent",
		Long: `cortexd drives turns end-to-end: it streams model output, dispatches
tool calls through the approval pipeline, runs multi-agent task graphs,
and compacts conversation history under a token budget.`,
		Version: fmt.Sprintf("%s (%s, %s)", version, commit, date),
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cortexd.yaml",
		"path to YAML configuration file")

	cmd.AddCommand(buildServeCmd(&configPath))
	cmd.AddCommand(buildDagCmd(&configPath))
	cmd.AddCommand(buildSessionCmd(&configPath))
	cmd.AddCommand(buildModelsCmd(&configPath))

	return cmd
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
