package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cortexlabs/cortex-core/internal/config"
	"github.com/cortexlabs/cortex-core/internal/storage"
)

// buildSessionCmd creates the "session" command group for inspecting
// persisted sessions without a running daemon.
func buildSessionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect persisted sessions and turn history",
	}
	cmd.AddCommand(buildSessionReplayCmd(configPath), buildSessionListCmd(configPath))
	return cmd
}

func buildSessionReplayCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Print a session's full message history in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionReplay(cmd, *configPath, args[0])
		},
	}
	return cmd
}

func buildSessionListCmd(configPath *string) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(cmd, *configPath, limit, offset)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset into the session list")
	return cmd
}

func openSessionStores(cfg *config.Config) (storage.StoreSet, error) {
	var stores storage.StoreSet
	var err error
	if cfg.Database.URL != "" {
		stores, err = storage.NewCockroachStoresFromDSN(cfg.Database.URL, &storage.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return storage.StoreSet{}, fmt.Errorf("connect database: %w", err)
		}
	} else {
		stores = storage.NewMemoryStores()
	}
	stores.History = storage.NewFileHistoryStore(filepath.Join(cfg.Workspace.Root, "history"))
	return stores, nil
}

func runSessionReplay(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := openSessionStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	messages, err := stores.History.Load(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(messages)
}

func runSessionList(cmd *cobra.Command, configPath string, limit, offset int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := openSessionStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	sessions, total, err := stores.Sessions.List(cmd.Context(), limit, offset)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d session(s) of %d total\n", len(sessions), total)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sessions)
}
