// Package config loads the daemon's YAML configuration: server ports,
// database connection, provider credentials, sandbox defaults, turn
// budgets, compaction thresholds, and DAG scheduling limits.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ctxwindow "github.com/cortexlabs/cortex-core/internal/context"
	cortexmodels "github.com/cortexlabs/cortex-core/internal/models"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// Config is the root configuration structure for cortexd.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	LLM         LLMConfig         `yaml:"llm"`
	Budget      BudgetConfig      `yaml:"budget"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	DAG         DAGConfig         `yaml:"dag"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging     LoggingConfig     `yaml:"logging"`
	Bedrock     cortexmodels.BedrockDiscoveryConfig `yaml:"bedrock"`
}

type ServerConfig struct {
	Host           string  `yaml:"host"`
	HTTPPort       int     `yaml:"http_port"`
	MetricsPort    int     `yaml:"metrics_port"`
	TurnsPerSecond float64 `yaml:"turns_per_second"`
	TurnsBurst     int     `yaml:"turns_burst"`
}

// DatabaseConfig points at the CockroachDB cluster backing session, turn,
// and DAG persistence. Leaving URL empty falls back to in-memory stores,
// which is the default for local development and tests.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type WorkspaceConfig struct {
	Root        string             `yaml:"root"`
	SandboxMode models.SandboxMode `yaml:"sandbox_mode"`
}

type LLMConfig struct {
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	AnthropicAPIKey string   `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string   `yaml:"openai_api_key"`
	VeniceAPIKey    string   `yaml:"venice_api_key"`
	DAGFallbacks    []string `yaml:"dag_fallbacks"`
}

// BudgetConfig supplies the default models.Budget applied to a turn when
// the caller does not specify one explicitly.
type BudgetConfig struct {
	MaxTokens    int           `yaml:"max_tokens"`
	MaxToolCalls int           `yaml:"max_tool_calls"`
	WallTime     time.Duration `yaml:"wall_time"`
}

type CompactionConfig struct {
	Threshold  float64 `yaml:"threshold"`
	KeepRecent int     `yaml:"keep_recent"`
}

type DAGConfig struct {
	MaxParallel    int           `yaml:"max_parallel"`
	FailFast       bool          `yaml:"fail_fast"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	MetricsPath  string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands environment variables in, and parses the config
// file at path, then applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.TurnsPerSecond == 0 {
		cfg.Server.TurnsPerSecond = 2
	}
	if cfg.Server.TurnsBurst == 0 {
		cfg.Server.TurnsBurst = 5
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Workspace.SandboxMode == "" {
		cfg.Workspace.SandboxMode = models.SandboxWorkspaceWrite
	}
	if cfg.Budget.MaxTokens == 0 {
		cfg.Budget.MaxTokens = ctxwindow.DefaultContextWindow
	}
	if cfg.Budget.MaxToolCalls == 0 {
		cfg.Budget.MaxToolCalls = 50
	}
	if cfg.Budget.WallTime == 0 {
		cfg.Budget.WallTime = 10 * time.Minute
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = 0.8
	}
	if cfg.Compaction.KeepRecent == 0 {
		cfg.Compaction.KeepRecent = 10
	}
	if cfg.DAG.MaxParallel == 0 {
		cfg.DAG.MaxParallel = 4
	}
	if cfg.DAG.StaleThreshold == 0 {
		cfg.DAG.StaleThreshold = 10 * time.Minute
	}
	if cfg.DAG.SweepSchedule == "" {
		cfg.DAG.SweepSchedule = "@every 1m"
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
