package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexlabs/cortex-core/internal/agent"
	"github.com/cortexlabs/cortex-core/internal/agent/providers"
	"github.com/cortexlabs/cortex-core/internal/approval"
	"github.com/cortexlabs/cortex-core/internal/providers/venice"
	"github.com/cortexlabs/cortex-core/internal/backoff"
	"github.com/cortexlabs/cortex-core/internal/compaction"
	"github.com/cortexlabs/cortex-core/internal/config"
	"github.com/cortexlabs/cortex-core/internal/dag"
	"github.com/cortexlabs/cortex-core/internal/dispatch"
	"github.com/cortexlabs/cortex-core/internal/infra"
	"github.com/cortexlabs/cortex-core/internal/policy"
	"github.com/cortexlabs/cortex-core/internal/storage"
	"github.com/cortexlabs/cortex-core/internal/turn"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the daemon: the
// turn engine, dispatch pipeline, DAG executor, and a metrics endpoint.
func buildServeCmd(configPath *string) *cobra.Command {
	var shellSlots int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `serve loads configuration, wires the turn engine to its tool dispatch
pipeline and DAG executor, and serves a Prometheus metrics endpoint.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, shellSlots)
		},
	}

	cmd.Flags().IntVar(&shellSlots, "shell-slots", 4,
		"maximum concurrent shell_exec calls per session (0 disables the limit)")

	return cmd
}

func runServe(ctx context.Context, configPath string, shellSlots int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)
	logger.Info("starting cortexd",
		"version", version,
		"config", configPath,
		"sandbox_mode", cfg.Workspace.SandboxMode,
	)

	var stores storage.StoreSet
	if cfg.Database.URL != "" {
		stores, err = storage.NewCockroachStoresFromDSN(cfg.Database.URL, &storage.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
	} else {
		logger.Warn("no database.url configured, using in-memory stores (state will not survive a restart)")
		stores = storage.NewMemoryStores()
	}
	defer stores.Close()

	// Turn history is always JSON Lines on disk under the workspace root,
	// independent of which backend sessions/turns/dags use, so a replay
	// never depends on the database being reachable.
	stores.History = storage.NewFileHistoryStore(filepath.Join(cfg.Workspace.Root, "history"))

	osSummary := infra.ResolveOSSummary()
	logger.Info("host", "os", osSummary.Label)

	registry := dispatch.NewBuiltinRegistry(dispatch.BuiltinConfig{
		MaxReadBytes:   1 << 20,
		MaxShellOutput: 1 << 20,
	})

	var slots *infra.Semaphore
	if shellSlots > 0 {
		slots = infra.NewSemaphore(int64(shellSlots))
	}

	pipeline := &dispatch.Pipeline{
		Registry:    registry,
		Workspace:   policy.Workspace{Root: cfg.Workspace.Root},
		Memory:      approval.New(),
		Pending:     approval.NewPending(approval.DefaultRequestTTL),
		SandboxMode: cfg.Workspace.SandboxMode,
		Logger:      logger,
		ShellSlots:  slots,
	}

	rawProvider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("configure llm provider: %w", err)
	}
	usage := infra.NewUsageTracker()
	provider := newGuardedProvider(rawProvider, usage)

	engine := &turn.Engine{
		Provider:  provider,
		Pipeline:  pipeline,
		Compactor: compaction.NewManager(nil, nil),
		Resolver:  turn.NewApprovalResolver(),
		RetryPolicy: backoff.DefaultPolicy(),
		Logger:    logger,
	}

	dagExecutor := &dag.Executor{
		Store:       stores.Dags,
		MaxParallel: cfg.DAG.MaxParallel,
		FailFast:    cfg.DAG.FailFast,
	}

	sweeper := &dag.StaleSweeper{
		Store:     stores.Dags,
		Threshold: cfg.DAG.StaleThreshold,
		Logger:    logger,
		SessionIDs: func(ctx context.Context) ([]string, error) {
			sessions, _, err := stores.Sessions.List(ctx, 0, 0)
			if err != nil {
				return nil, err
			}
			ids := make([]string, len(sessions))
			for i, s := range sessions {
				ids[i] = s.ID
			}
			return ids, nil
		},
	}
	if err := sweeper.Start(cfg.DAG.SweepSchedule); err != nil {
		return fmt.Errorf("start stale sweep: %w", err)
	}

	health := infra.NewHealthCheckRegistry()
	health.RegisterSimple("llm_provider", func(ctx context.Context) error {
		if provider.breaker.State() == infra.CircuitOpen {
			return fmt.Errorf("circuit breaker open for %s", provider.Name())
		}
		return nil
	})
	health.RegisterSimple("dag_store", func(ctx context.Context) error {
		_, _, err := stores.Sessions.List(ctx, 1, 0)
		return err
	})

	turnLimiter := infra.NewPerKeyLimiter(func(string) infra.RateLimiter {
		return infra.NewTokenBucket(float64(cfg.Server.TurnsPerSecond), cfg.Server.TurnsBurst)
	})
	resumeOnce := &infra.Group[string, []*models.Task]{}

	srv := &apiServer{
		engine:      engine,
		dagExecutor: dagExecutor,
		stores:      stores,
		logger:      logger,
		usage:       usage,
		turnLimiter: turnLimiter,
		resumeOnce:  resumeOnce,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := health.CheckAll(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/v1/turns", srv.handleRunTurn)
	mux.HandleFunc("/v1/dag/run", srv.handleRunDag)
	mux.HandleFunc("/v1/dag/resume", srv.handleDagResume)
	mux.HandleFunc("/v1/usage", srv.handleUsage)

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	shutdown := infra.NewShutdownCoordinator(30*time.Second, logger)
	shutdown.RegisterService("stale-sweeper", func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	shutdown.RegisterService("metrics-server", server.Shutdown)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		shutdown.Shutdown(context.Background())
		return fmt.Errorf("metrics server: %w", err)
	}

	logger.Info("shutdown signal received, initiating graceful shutdown")
	results := shutdown.Shutdown(context.Background())
	for _, r := range results {
		if r.Error != nil {
			logger.Error("shutdown handler failed", "name", r.Name, "error", r.Error)
		}
	}

	logger.Info("cortexd stopped gracefully")
	return nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	return buildNamedProvider(cfg, cfg.LLM.Provider)
}

// buildNamedProvider constructs a provider by name independent of
// cfg.LLM.Provider, so the DAG runner can build one provider per
// fallback candidate (internal/models.RunWithModelFallback).
func buildNamedProvider(cfg *config.Config, name string) (agent.LLMProvider, error) {
	switch name {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			DefaultModel: cfg.LLM.Model,
		})
	case "openai":
		return providers.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey), nil
	case "venice":
		return venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       cfg.LLM.VeniceAPIKey,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// apiServer exposes the turn engine and DAG executor over a small HTTP
// surface, with events streamed back as newline-delimited JSON.
type apiServer struct {
	engine      *turn.Engine
	dagExecutor *dag.Executor
	stores      storage.StoreSet
	logger      *slog.Logger
	usage       *infra.UsageTracker

	// turnLimiter bounds how many turns per second a single session may
	// start, independent of the shell-slot semaphore inside the dispatch
	// pipeline which bounds concurrent subprocesses once a turn is running.
	turnLimiter *infra.PerKeyLimiter

	// resumeOnce collapses concurrent dag-resume calls for the same
	// session into a single Executor.Resume, so a client retrying a slow
	// request doesn't race a second resume against the same persisted graph.
	resumeOnce *infra.Group[string, []*models.Task]
}

type runTurnRequest struct {
	SessionID    string `json:"session_id"`
	UserInput    string `json:"user_input"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *apiServer) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.turnLimiter.Allow(req.SessionID) {
		http.Error(w, "too many turns for this session, slow down", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	session, err := s.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		http.Error(w, "load session: "+err.Error(), http.StatusNotFound)
		return
	}
	turnModel := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		StartedAt: time.Now(),
		Status:    models.TurnActive,
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	sink := turn.EventSinkFunc(func(ev models.Event) {
		_ = encoder.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	})

	history, err := s.stores.History.Load(ctx, session.ID)
	if err != nil {
		s.logger.Error("load history failed", "session_id", session.ID, "error", err)
		http.Error(w, "load history: "+err.Error(), http.StatusInternalServerError)
		return
	}

	newMessages, err := s.engine.Run(ctx, turn.RunInput{
		Session:      session,
		Turn:         turnModel,
		History:      history,
		UserInput:    req.UserInput,
		Model:        agent.Model{ID: req.Model},
		SystemPrompt: req.SystemPrompt,
		Sink:         sink,
	})
	if err != nil {
		s.logger.Error("turn run failed", "session_id", session.ID, "turn_id", turnModel.ID, "error", err)
	}
	if len(newMessages) > len(history) {
		if err := s.stores.History.Append(ctx, session.ID, newMessages[len(history):]...); err != nil {
			s.logger.Error("append history failed", "session_id", session.ID, "error", err)
		}
	}
}

type runDagRequest struct {
	SessionID string     `json:"session_id"`
	Specs     []dag.Spec `json:"specs"`
}

func (s *apiServer) handleRunDag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runDagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}

	tasks, err := dag.Build(req.Specs)
	if err != nil {
		http.Error(w, "build task graph: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.dagExecutor.Execute(r.Context(), req.SessionID, tasks)
	if err != nil {
		http.Error(w, "execute task graph: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

type resumeDagRequest struct {
	SessionID string `json:"session_id"`
}

// handleDagResume resumes a persisted task graph, collapsing concurrent
// resume calls for the same session into one Executor.Resume.
func (s *apiServer) handleDagResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resumeDagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode request: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err, _ := s.resumeOnce.Do(req.SessionID, func() ([]*models.Task, error) {
		return s.dagExecutor.Resume(r.Context(), req.SessionID)
	})
	if err != nil {
		http.Error(w, "resume task graph: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleUsage reports token usage accumulated per LLM provider since the
// daemon started.
func (s *apiServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.usage.Summary())
}
