package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cortexlabs/cortex-core/internal/agent"
	"github.com/cortexlabs/cortex-core/internal/config"
	"github.com/cortexlabs/cortex-core/internal/dag"
	cortexmodels "github.com/cortexlabs/cortex-core/internal/models"
	"github.com/cortexlabs/cortex-core/internal/storage"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// buildDagCmd creates the "dag" command group for running and resuming
// task graphs from the command line, without a running daemon.
func buildDagCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Build and execute multi-agent task graphs",
	}
	cmd.AddCommand(buildDagRunCmd(configPath), buildDagResumeCmd(configPath))
	return cmd
}

type taskGraphFile struct {
	Tasks []dag.Spec `yaml:"tasks"`
}

func buildDagRunCmd(configPath *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Run a task graph to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDagRun(cmd, *configPath, args[0], sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to persist progress under (default: a new id)")
	return cmd
}

func buildDagResumeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a task graph that was interrupted mid-run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDagResume(cmd, *configPath, args[0])
		},
	}
	return cmd
}

// dagRuntime bundles what the "dag" subcommands need: a store to persist
// progress against and a TaskFunc that actually asks a model to perform
// each task's description, one independent completion per task.
type dagRuntime struct {
	exec  *dag.Executor
	close func() error
}

func newDagRuntime(cfg *config.Config, cmd *cobra.Command) (*dagRuntime, error) {
	closeFn := func() error { return nil }
	var store storage.DagStore
	if cfg.Database.URL != "" {
		stores, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, &storage.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		store = stores.Dags
		closeFn = stores.Close
	} else {
		store = storage.NewMemoryDagStore()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	exec := &dag.Executor{
		Store:       store,
		MaxParallel: cfg.DAG.MaxParallel,
		FailFast:    cfg.DAG.FailFast,
		Sink:        dag.SinkFunc(func(ev dag.Event) { _ = enc.Encode(ev) }),
		Run: func(ctx context.Context, task *models.Task) (string, error) {
			return completeTask(ctx, cfg, task)
		},
	}
	return &dagRuntime{exec: exec, close: closeFn}, nil
}

// completeTask asks a model to perform a single task's description as a
// standalone, tool-free completion, falling back through cfg.LLM.DAGFallbacks
// (internal/models.RunWithModelFallback) if the primary provider's request
// fails with a retryable error. Tasks that need the full tool dispatch
// pipeline belong behind the daemon's /v1/turns endpoint instead; this path
// is for graphs of pure-reasoning subtasks.
func completeTask(ctx context.Context, cfg *config.Config, task *models.Task) (string, error) {
	fallbackCfg := &cortexmodels.FallbackConfig{
		PrimaryProvider: firstNonEmpty(cfg.LLM.Provider, "anthropic"),
		PrimaryModel:    cfg.LLM.Model,
		Fallbacks:       cfg.LLM.DAGFallbacks,
	}

	result, err := cortexmodels.RunWithModelFallback(ctx, fallbackCfg,
		func(ctx context.Context, providerName, model string) (string, error) {
			provider, err := buildNamedProvider(cfg, providerName)
			if err != nil {
				return "", err
			}
			return completeWithProvider(ctx, provider, model, task)
		},
		nil,
	)
	if err != nil {
		return "", err
	}
	return result.Result, nil
}

func completeWithProvider(ctx context.Context, provider agent.LLMProvider, model string, task *models.Task) (string, error) {
	ch, err := provider.Complete(ctx, &agent.CompletionRequest{
		Model:    model,
		System:   fmt.Sprintf("You are %s. Complete the assigned task and report your result concisely.", firstNonEmpty(task.AssignedTo, "an assistant")),
		Messages: []agent.CompletionMessage{{Role: "user", Content: task.Description}},
	})
	if err != nil {
		return "", err
	}
	var out string
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out += chunk.Text
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runDagRun(cmd *cobra.Command, configPath, graphPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("read graph file: %w", err)
	}
	var file taskGraphFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse graph file: %w", err)
	}

	tasks, err := dag.Build(file.Tasks)
	if err != nil {
		return fmt.Errorf("build task graph: %w", err)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rt, err := newDagRuntime(cfg, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.exec.Execute(cmd.Context(), sessionID, tasks)
	if err != nil {
		return fmt.Errorf("execute task graph: %w", err)
	}
	return printTasks(cmd, result)
}

func runDagResume(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("resume requires database.url to be configured (in-memory graphs do not survive a restart)")
	}

	rt, err := newDagRuntime(cfg, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.exec.Resume(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("resume task graph: %w", err)
	}
	return printTasks(cmd, result)
}

func printTasks(cmd *cobra.Command, tasks []*models.Task) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}
