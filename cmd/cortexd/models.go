package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexlabs/cortex-core/internal/config"
	cortexmodels "github.com/cortexlabs/cortex-core/internal/models"
)

// buildModelsCmd creates the "models" command group for inspecting the
// built-in model catalog, optionally refreshed with live Bedrock discovery.
func buildModelsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model capability catalog",
	}
	cmd.AddCommand(buildModelsListCmd(configPath))
	return cmd
}

func buildModelsListCmd(configPath *string) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog models, refreshing from AWS Bedrock if configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd, *configPath, provider)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter to a single provider (anthropic, openai, bedrock, venice, ...)")
	return cmd
}

func runModelsList(cmd *cobra.Command, configPath, provider string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Bedrock.Enabled {
		discovery := cortexmodels.NewBedrockDiscovery(cfg.Bedrock, setupLogger(cfg.Logging.Level))
		if err := discovery.RegisterWithCatalog(cmd.Context(), cortexmodels.DefaultCatalog); err != nil {
			setupLogger(cfg.Logging.Level).Warn("bedrock discovery failed, listing built-in catalog only", "error", err)
		}
	}

	var filter *cortexmodels.Filter
	if provider != "" {
		filter = &cortexmodels.Filter{Providers: []cortexmodels.Provider{cortexmodels.Provider(provider)}}
	}
	catalogModels := cortexmodels.List(filter)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(catalogModels)
}
